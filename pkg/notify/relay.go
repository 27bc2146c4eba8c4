package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"citizen-report-coordinator/pkg/breaker"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/realtime"
	"citizen-report-coordinator/pkg/report"
)

// GatewayService is the breaker name of the real-time gateway.
const GatewayService = "realtime-gateway"

// systemActorPrefix marks transitions made by the dispatcher or the
// scheduler; those have their own event and are not announced twice.
const systemActorPrefix = "system:"

type ReportReader interface {
	Get(ctx context.Context, id string) (*report.Report, error)
}

// Decrypter recovers the reporter id of anonymous reports.
type Decrypter interface {
	Decrypt(encoded string) (string, error)
}

type Relay struct {
	reports  ReportReader
	store    Store
	dedupe   Deduper
	pusher   realtime.Pusher
	breakers *breaker.Registry
	cipher   Decrypter
	log      *logrus.Entry
	metrics  *Metrics
	nowFn    func() time.Time
}

type Option func(*Relay)

func WithDeduper(d Deduper) Option { return func(r *Relay) { r.dedupe = d } }

func WithDecrypter(d Decrypter) Option { return func(r *Relay) { r.cipher = d } }

func WithBreakers(b *breaker.Registry) Option { return func(r *Relay) { r.breakers = b } }

func WithMetrics(m *Metrics) Option { return func(r *Relay) { r.metrics = m } }

func WithClock(now func() time.Time) Option { return func(r *Relay) { r.nowFn = now } }

func NewRelay(reports ReportReader, store Store, pusher realtime.Pusher, log *logrus.Entry, opts ...Option) *Relay {
	r := &Relay{
		reports: reports,
		store:   store,
		pusher:  pusher,
		log:     log,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type draft struct {
	userID  string
	title   string
	message string
}

// Handle persists one notification per target of e and pushes the new ones.
// Push failures never fail the event.
func (r *Relay) Handle(ctx context.Context, e events.Envelope) events.Outcome {
	log := r.log.WithFields(logrus.Fields{"event_id": e.ID, "event_type": e.Type, "report_id": e.ReportID})

	if r.dedupe != nil {
		dup, err := r.dedupe.IsDuplicate(ctx, e.ID)
		if err != nil {
			log.WithError(err).Warn("dedupe lookup failed, relying on idempotent insert")
		} else if dup {
			log.Debug("duplicate event skipped")
			return events.Ack
		}
	}

	rep, err := r.reports.Get(ctx, e.ReportID)
	if errors.Is(err, report.ErrNotFound) {
		log.Warn("event for unknown report dropped")
		return events.Ack
	}
	if err != nil {
		log.WithError(err).Error("failed to load report")
		return events.Fail
	}

	drafts, err := r.compose(e, rep)
	if err != nil {
		log.WithError(err).Error("dropping undecodable event")
		return events.Ack
	}

	var fresh []Notification
	for _, d := range drafts {
		n := Notification{
			ID:        NotificationID(e.ID, d.userID),
			UserID:    d.userID,
			ReportID:  rep.ID,
			EventID:   e.ID,
			EventType: e.Type,
			Title:     d.title,
			Message:   d.message,
			Status:    string(rep.Status),
			CreatedAt: e.OccurredAt,
		}
		created, err := r.store.Create(ctx, &n)
		if err != nil {
			log.WithError(err).WithField("user_id", d.userID).Error("failed to persist notification")
			return events.Fail
		}
		if created {
			fresh = append(fresh, n)
			r.count(func(m *Metrics) { m.Persisted.Inc() })
		}
	}

	if r.dedupe != nil {
		if err := r.dedupe.MarkProcessed(ctx, e.ID); err != nil {
			log.WithError(err).Warn("failed to record processed event")
		}
	}

	for _, n := range fresh {
		r.push(ctx, log, n)
	}
	return events.Ack
}

func (r *Relay) compose(e events.Envelope, rep *report.Report) ([]draft, error) {
	reporter := r.reporterID(rep)
	ref := rep.ReferenceNumber
	if ref == "" {
		ref = rep.ID
	}

	var out []draft
	add := func(userID, title, message string) {
		if userID == "" {
			return
		}
		for _, d := range out {
			if d.userID == userID {
				return
			}
		}
		out = append(out, draft{userID: userID, title: title, message: message})
	}

	switch e.Type {
	case events.TypeReportCreated:
		add(reporter, "Laporan diterima", fmt.Sprintf("Laporan %s telah kami terima dan sedang diproses.", ref))

	case events.TypeReportAssigned:
		var p events.ReportAssigned
		if err := e.Decode(&p); err != nil {
			return nil, err
		}
		add(reporter, "Laporan diteruskan", fmt.Sprintf("Laporan %s telah diteruskan ke dinas terkait.", ref))
		add(p.StaffID, "Laporan baru ditugaskan", fmt.Sprintf("Laporan %s ditugaskan kepada Anda (tier %d).", ref, p.Tier))

	case events.TypeReportStatusChanged:
		var p events.ReportStatusChanged
		if err := e.Decode(&p); err != nil {
			return nil, err
		}
		if strings.HasPrefix(p.ActorID, systemActorPrefix) {
			return nil, nil
		}
		if p.ActorID != reporter {
			add(reporter, "Status laporan diperbarui", fmt.Sprintf("Status laporan %s berubah menjadi %s.", ref, p.NewStatus))
		}
		if rep.StaffID != p.ActorID {
			add(rep.StaffID, "Status laporan diperbarui", fmt.Sprintf("Laporan %s sekarang %s.", ref, p.NewStatus))
		}

	case events.TypeReportEscalated:
		var p events.ReportEscalated
		if err := e.Decode(&p); err != nil {
			return nil, err
		}
		add(reporter, "Laporan dieskalasi", fmt.Sprintf("Laporan %s belum ditangani tepat waktu dan telah dieskalasi.", ref))
		add(p.StaffID, "Eskalasi laporan", fmt.Sprintf("Laporan %s dieskalasi kepada Anda (level %d).", ref, p.Level))

	default:
		return nil, fmt.Errorf("unsupported event type %q", e.Type)
	}
	return out, nil
}

// reporterID returns the user to notify as the reporter. Anonymous reports
// only carry the id sealed.
func (r *Relay) reporterID(rep *report.Report) string {
	if rep.ReporterIDEnc != "" && r.cipher != nil {
		id, err := r.cipher.Decrypt(rep.ReporterIDEnc)
		if err == nil {
			return id
		}
		r.log.WithError(err).WithField("report_id", rep.ID).Warn("cannot decrypt reporter id")
		return ""
	}
	if rep.Type == report.TypeAnonymous {
		return ""
	}
	return rep.ReporterID
}

func (r *Relay) push(ctx context.Context, log *logrus.Entry, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		log.WithError(err).Error("failed to marshal notification")
		return
	}
	err = r.deliver(ctx, realtime.Message{
		Kind:    realtime.KindNotification,
		UserID:  n.UserID,
		Payload: payload,
		At:      r.nowFn().UTC(),
	})
	if err != nil {
		r.count(func(m *Metrics) { m.PushFailed.Inc() })
		log.WithError(err).WithField("user_id", n.UserID).Warn("notification stored but not pushed")
		return
	}
	r.count(func(m *Metrics) { m.Pushed.Inc() })

	unread, err := r.store.CountUnread(ctx, n.UserID)
	if err != nil {
		log.WithError(err).Warn("failed to count unread notifications")
		return
	}
	err = r.deliver(ctx, realtime.Message{
		Kind:   realtime.KindUnreadCount,
		UserID: n.UserID,
		Unread: &unread,
		At:     r.nowFn().UTC(),
	})
	if err != nil {
		log.WithError(err).WithField("user_id", n.UserID).Debug("unread counter not pushed")
	}
}

func (r *Relay) deliver(ctx context.Context, msg realtime.Message) error {
	if r.pusher == nil {
		return nil
	}
	if r.breakers == nil {
		return r.pusher.Push(ctx, msg)
	}
	return r.breakers.Execute(ctx, GatewayService, func(ctx context.Context) error {
		return r.pusher.Push(ctx, msg)
	})
}

func (r *Relay) count(fn func(*Metrics)) {
	if r.metrics != nil {
		fn(r.metrics)
	}
}

type Metrics struct {
	Persisted  prometheus.Counter
	Pushed     prometheus.Counter
	PushFailed prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_persisted_total",
			Help: "Notifications written to the store",
		}),
		Pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_pushed_total",
			Help: "Notifications delivered to the real-time gateway",
		}),
		PushFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_push_failed_total",
			Help: "Notifications stored but not pushed",
		}),
	}
	reg.MustRegister(m.Persisted, m.Pushed, m.PushFailed)
	return m
}
