// Package escalation watches SLA deadlines of assigned reports and escalates
// the ones nobody finished in time.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/routing"
	"citizen-report-coordinator/pkg/store"
)

// ActorID is recorded as the actor of automatic escalations.
const ActorID = "system:sla-scheduler"

type Escalator interface {
	Escalate(ctx context.Context, req lifecycle.Request, e lifecycle.Escalation) (*report.Report, error)
}

type Config struct {
	ScanInterval     time.Duration `yaml:"scanInterval" validate:"gt=0"`
	PerReportTimeout time.Duration `yaml:"perReportTimeout" validate:"gt=0"`
	Concurrency      int           `yaml:"concurrency" validate:"gte=1"`
	BatchSize        int           `yaml:"batchSize" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:     30 * time.Second,
		PerReportTimeout: 10 * time.Second,
		Concurrency:      8,
		BatchSize:        500,
	}
}

type Scheduler struct {
	reports   store.Reports
	watches   store.Watches
	machine   Escalator
	dir       routing.Directory
	publisher events.Publisher
	policy    Policy
	cfg       Config
	log       *logrus.Entry
	metrics   *Metrics
	nowFn     func() time.Time
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = now }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(
	reports store.Reports,
	watches store.Watches,
	machine Escalator,
	dir routing.Directory,
	publisher events.Publisher,
	policy Policy,
	cfg Config,
	log *logrus.Entry,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		reports:   reports,
		watches:   watches,
		machine:   machine,
		dir:       dir,
		publisher: publisher,
		policy:    policy,
		cfg:       cfg,
		log:       log,
		nowFn:     time.Now,
	}
	if s.cfg.Concurrency < 1 {
		s.cfg.Concurrency = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Policy() Policy { return s.policy }

// HandleAssigned registers the tier deadline of a freshly assigned report.
func (s *Scheduler) HandleAssigned(ctx context.Context, e events.Envelope) events.Outcome {
	var payload events.ReportAssigned
	if err := e.Decode(&payload); err != nil {
		s.log.WithError(err).WithField("event_id", e.ID).Error("dropping undecodable report.assigned")
		return events.Ack
	}
	log := s.log.WithFields(logrus.Fields{"event_id": e.ID, "report_id": payload.ReportID})

	r, err := s.reports.Get(ctx, payload.ReportID)
	if errors.Is(err, report.ErrNotFound) {
		log.Warn("assigned report not found, no watch registered")
		return events.Ack
	}
	if err != nil {
		log.WithError(err).Error("failed to load assigned report")
		return events.Fail
	}
	// Escalation registers its own watches; a late assignment event must not
	// replace them.
	if !r.Status.Watched() || r.EscalationLevel > 0 {
		log.WithField("status", r.Status).Debug("stale report.assigned ignored")
		return events.Ack
	}

	deadline := payload.Deadline
	if deadline.IsZero() {
		deadline = s.policy.Deadline(e.OccurredAt, payload.Tier)
	}
	w := report.EscalationWatch{
		ReportID:     r.ID,
		Level:        r.EscalationLevel,
		Tier:         payload.Tier,
		Deadline:     deadline.UTC(),
		RegisteredAt: s.nowFn().UTC(),
	}
	if err := s.watches.Register(ctx, w); err != nil {
		log.WithError(err).Error("failed to register escalation watch")
		return events.Fail
	}
	log.WithField("deadline", w.Deadline).Info("escalation watch registered")
	return events.Ack
}

// Summary counts what one scan did.
type Summary struct {
	Scanned   int `json:"scanned"`
	Escalated int `json:"escalated"`
	Rearmed   int `json:"rearmed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeEscalated
	outcomeRearmed
)

// Tick escalates every expired watch once. A failure on one report is logged
// and does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) (Summary, error) {
	began := time.Now()
	due, err := s.watches.Due(ctx, s.nowFn(), s.cfg.BatchSize)
	if err != nil {
		return Summary{}, err
	}

	var escalated, rearmed, skipped, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, w := range due {
		w := w
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, s.cfg.PerReportTimeout)
			defer cancel()

			res, err := s.escalate(rctx, w)
			switch {
			case err != nil:
				atomic.AddInt64(&failed, 1)
				s.log.WithError(err).WithFields(logrus.Fields{
					"report_id": w.ReportID,
					"level":     w.Level,
				}).Error("escalation attempt failed")
			case res == outcomeEscalated:
				atomic.AddInt64(&escalated, 1)
			case res == outcomeRearmed:
				atomic.AddInt64(&rearmed, 1)
			default:
				atomic.AddInt64(&skipped, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{
		Scanned:   len(due),
		Escalated: int(escalated),
		Rearmed:   int(rearmed),
		Skipped:   int(skipped),
		Failed:    int(failed),
	}
	if s.metrics != nil {
		s.metrics.ScanDuration.Observe(time.Since(began).Seconds())
		s.metrics.Escalations.WithLabelValues("escalated").Add(float64(sum.Escalated))
		s.metrics.Escalations.WithLabelValues("rearmed").Add(float64(sum.Rearmed))
		s.metrics.Escalations.WithLabelValues("skipped").Add(float64(sum.Skipped))
		s.metrics.Escalations.WithLabelValues("failed").Add(float64(sum.Failed))
	}
	if sum.Scanned > 0 {
		s.log.WithFields(logrus.Fields{
			"scanned":   sum.Scanned,
			"escalated": sum.Escalated,
			"rearmed":   sum.Rearmed,
			"skipped":   sum.Skipped,
			"failed":    sum.Failed,
		}).Info("escalation scan finished")
	}
	return sum, nil
}

// Run scans on every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.WithError(err).Error("escalation scan failed")
			}
		}
	}
}

func (s *Scheduler) escalate(ctx context.Context, w report.EscalationWatch) (outcome, error) {
	// Claiming deactivates the watch; only one scanner gets true.
	claimed, err := s.watches.Claim(ctx, w.ReportID, w.Level)
	if err != nil {
		return outcomeSkipped, err
	}
	if !claimed {
		return outcomeSkipped, nil
	}

	r, err := s.reports.Get(ctx, w.ReportID)
	if errors.Is(err, report.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, s.rearm(ctx, w, err)
	}
	if !r.Status.Watched() || r.EscalationLevel != w.Level {
		return outcomeSkipped, nil
	}

	now := s.nowFn().UTC()
	if w.Level >= MaxLevel {
		next := w
		next.Deadline = s.policy.Deadline(now, r.Tier)
		next.RegisteredAt = now
		if err := s.watches.Register(ctx, next); err != nil {
			return outcomeSkipped, err
		}
		s.log.WithField("report_id", r.ID).Warn("escalation ceiling reached, watch re-armed")
		return outcomeRearmed, nil
	}

	target, err := s.nextOwner(ctx, r)
	if err != nil {
		return outcomeSkipped, s.rearm(ctx, w, err)
	}
	deadline := s.policy.Deadline(now, target.tier)

	updated, err := s.machine.Escalate(ctx, lifecycle.Request{
		ReportID: r.ID,
		From:     r.Status,
		To:       report.StatusEscalated,
		ActorID:  ActorID,
		Note:     fmt.Sprintf("SLA deadline %s exceeded at tier %d", w.Deadline.Format(time.RFC3339), r.Tier),
	}, lifecycle.Escalation{
		Level:        w.Level + 1,
		Tier:         target.tier,
		DepartmentID: target.departmentID,
		StaffID:      target.staffID,
		Deadline:     deadline,
	})
	if err != nil {
		return outcomeSkipped, s.rearmIfStillDue(ctx, w, err)
	}

	next := report.EscalationWatch{
		ReportID:     updated.ID,
		Level:        updated.EscalationLevel,
		Tier:         updated.Tier,
		Deadline:     deadline,
		RegisteredAt: now,
	}
	if err := s.watches.Register(ctx, next); err != nil {
		s.log.WithError(err).WithField("report_id", updated.ID).Error("escalated but failed to register next watch")
	}

	s.publishEscalated(ctx, r, updated, deadline)
	return outcomeEscalated, nil
}

type owner struct {
	departmentID string
	staffID      string
	tier         int
}

// nextOwner moves a report one tier up, or to the department head when it
// already sits at the top tier.
func (s *Scheduler) nextOwner(ctx context.Context, r *report.Report) (owner, error) {
	if r.Tier < routing.TierDepartmentHead {
		tier := r.Tier + 1
		staff, err := routing.PickStaff(ctx, s.dir, r.DepartmentID, tier, r.ID)
		if err != nil {
			return owner{}, err
		}
		return owner{departmentID: r.DepartmentID, staffID: staff, tier: tier}, nil
	}

	head, err := routing.HeadOf(ctx, s.dir, r.DepartmentID)
	if err != nil {
		return owner{}, err
	}
	if head != "" && head != r.StaffID {
		return owner{departmentID: r.DepartmentID, staffID: head, tier: r.Tier}, nil
	}
	dept, err := s.dir.Department(ctx, r.DepartmentID)
	if err != nil {
		return owner{}, err
	}
	if dept.ParentID != nil {
		parentHead, err := routing.HeadOf(ctx, s.dir, *dept.ParentID)
		if err != nil {
			return owner{}, err
		}
		return owner{departmentID: *dept.ParentID, staffID: parentHead, tier: r.Tier}, nil
	}
	return owner{departmentID: r.DepartmentID, staffID: head, tier: r.Tier}, nil
}

// rearm restores a claimed watch after a failure that says nothing about the
// report itself, so the next scan retries it.
func (s *Scheduler) rearm(ctx context.Context, w report.EscalationWatch, cause error) error {
	if err := s.watches.Register(ctx, w); err != nil {
		return fmt.Errorf("%v; re-arming watch also failed: %w", cause, err)
	}
	return cause
}

// rearmIfStillDue re-arms after a failed transition only when the report is
// still waiting at the watched level.
func (s *Scheduler) rearmIfStillDue(ctx context.Context, w report.EscalationWatch, cause error) error {
	r, err := s.reports.Get(ctx, w.ReportID)
	if err != nil {
		return s.rearm(ctx, w, cause)
	}
	if r.Status.Watched() && r.EscalationLevel == w.Level {
		return s.rearm(ctx, w, cause)
	}
	return nil
}

func (s *Scheduler) publishEscalated(ctx context.Context, before, after *report.Report, deadline time.Time) {
	if s.publisher == nil {
		return
	}
	at := after.UpdatedAt
	if after.EscalatedAt != nil {
		at = *after.EscalatedAt
	}
	e, err := events.New(events.TypeReportEscalated, after.ID, at, events.ReportEscalated{
		ReportID:     after.ID,
		FromTier:     before.Tier,
		ToTier:       after.Tier,
		Level:        after.EscalationLevel,
		DepartmentID: after.DepartmentID,
		StaffID:      after.StaffID,
		Deadline:     deadline,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, e)
	}
	if err != nil {
		s.log.WithError(err).WithField("report_id", after.ID).Warn("escalated but report.escalated was not published")
	}
}

type Metrics struct {
	Escalations  *prometheus.CounterVec
	ScanDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sla_escalation_attempts_total",
				Help: "Expired watches processed by outcome",
			},
			[]string{"outcome"},
		),
		ScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sla_escalation_scan_duration_seconds",
				Help:    "Duration of one escalation scan",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(m.Escalations, m.ScanDuration)
	return m
}
