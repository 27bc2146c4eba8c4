// Package lifecycle validates and applies report status transitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/store"
)

// WatchKeeper keeps a report's escalation watch in step with its status.
type WatchKeeper interface {
	Register(ctx context.Context, w report.EscalationWatch) error
	Cancel(ctx context.Context, reportID string) error
}

// watchWriteAttempts bounds the retries of a watch write that follows a
// committed transition.
const watchWriteAttempts = 3

type Request struct {
	ReportID string
	From     report.Status
	To       report.Status
	ActorID  string
	Note     string
}

type Assignment struct {
	DepartmentID string
	StaffID      string
	Tier         int
	Deadline     time.Time
}

type Escalation struct {
	Level        int
	Tier         int
	DepartmentID string
	StaffID      string
	Deadline     time.Time
}

type Machine struct {
	reports   store.Reports
	watches   WatchKeeper
	publisher events.Publisher
	log       *logrus.Entry
	nowFn     func() time.Time
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.nowFn = now }
}

func NewMachine(reports store.Reports, watches WatchKeeper, publisher events.Publisher, log *logrus.Entry, opts ...Option) *Machine {
	m := &Machine{
		reports:   reports,
		watches:   watches,
		publisher: publisher,
		log:       log,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply performs a staff or citizen initiated transition. It cannot move a
// report into ESCALATED; only the escalation scheduler does that. Entering
// ASSIGNED needs an owner and a deadline, so it goes through Assign unless the
// report resumes from ESCALATED and keeps the owner it was escalated to.
func (m *Machine) Apply(ctx context.Context, req Request) (*report.Report, error) {
	if req.To == report.StatusEscalated {
		return nil, fmt.Errorf("%w: %s is set by the escalation scheduler only", report.ErrInvalidTransition, report.StatusEscalated)
	}
	if req.To == report.StatusAssigned && req.From != report.StatusEscalated {
		return nil, fmt.Errorf("%w: %s needs a department and a deadline", report.ErrInvalidTransition, report.StatusAssigned)
	}
	return m.apply(ctx, req, nil)
}

// Assign moves a report into ASSIGNED and records who owns it in the same
// conditional update, then registers the escalation watch for the deadline.
func (m *Machine) Assign(ctx context.Context, req Request, a Assignment) (*report.Report, error) {
	if req.To != report.StatusAssigned {
		return nil, fmt.Errorf("%w: assignment must target %s", report.ErrInvalidTransition, report.StatusAssigned)
	}
	if a.DepartmentID == "" || a.Tier < 1 || a.Deadline.IsZero() {
		return nil, fmt.Errorf("%w: assignment needs a department, a tier and a deadline", report.ErrInvalidTransition)
	}
	updated, err := m.apply(ctx, req, func(mut *store.Mutation, _ *report.Report) error {
		mut.DepartmentID = &a.DepartmentID
		mut.StaffID = &a.StaffID
		mut.Tier = &a.Tier
		deadline := a.Deadline.UTC()
		mut.SLADeadline = &deadline
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.watches != nil {
		w := report.EscalationWatch{
			ReportID:     updated.ID,
			Level:        updated.EscalationLevel,
			Tier:         updated.Tier,
			Deadline:     a.Deadline.UTC(),
			RegisteredAt: m.nowFn().UTC(),
		}
		err := m.retryWatchWrite(ctx, func(ctx context.Context) error { return m.watches.Register(ctx, w) })
		if err != nil {
			// report.assigned registers the same watch in the escalation service.
			m.log.WithError(err).WithField("report_id", updated.ID).Error("assigned but escalation watch was not registered")
		}
	}
	return updated, nil
}

// Escalate moves a report into ESCALATED and raises its escalation level.
func (m *Machine) Escalate(ctx context.Context, req Request, e Escalation) (*report.Report, error) {
	if req.To != report.StatusEscalated {
		return nil, fmt.Errorf("%w: escalation must target %s", report.ErrInvalidTransition, report.StatusEscalated)
	}
	return m.apply(ctx, req, func(mut *store.Mutation, cur *report.Report) error {
		if e.Level <= cur.EscalationLevel {
			return fmt.Errorf("%w: escalation level %d does not exceed %d", report.ErrInvalidTransition, e.Level, cur.EscalationLevel)
		}
		mut.EscalationLevel = &e.Level
		mut.Tier = &e.Tier
		if e.DepartmentID != "" {
			mut.DepartmentID = &e.DepartmentID
		}
		mut.StaffID = &e.StaffID
		deadline := e.Deadline.UTC()
		mut.SLADeadline = &deadline
		at := mut.Change.CreatedAt
		mut.EscalatedAt = &at
		return nil
	})
}

func (m *Machine) apply(ctx context.Context, req Request, mutate func(*store.Mutation, *report.Report) error) (*report.Report, error) {
	if !Allowed(req.From, req.To) {
		return nil, fmt.Errorf("%w: %s -> %s", report.ErrInvalidTransition, req.From, req.To)
	}

	current, err := m.reports.Get(ctx, req.ReportID)
	if err != nil {
		return nil, err
	}
	if current.Status != req.From {
		return nil, fmt.Errorf("%w: report %s is %s, not %s", report.ErrInvalidTransition, req.ReportID, current.Status, req.From)
	}

	now := m.nowFn().UTC()
	mut := store.Mutation{
		ReportID: req.ReportID,
		From:     req.From,
		To:       req.To,
		Change: report.StatusChange{
			ID:        uuid.NewString(),
			ReportID:  req.ReportID,
			OldStatus: req.From,
			NewStatus: req.To,
			ActorID:   req.ActorID,
			Note:      req.Note,
			CreatedAt: now,
		},
	}
	if req.To.Terminal() {
		mut.ClearDeadline = true
	}
	if mutate != nil {
		if err := mutate(&mut, current); err != nil {
			return nil, err
		}
	}

	updated, err := m.reports.ApplyTransition(ctx, mut)
	if err != nil {
		return nil, err
	}

	log := m.log.WithFields(logrus.Fields{
		"report_id": req.ReportID,
		"from":      req.From,
		"to":        req.To,
		"actor_id":  req.ActorID,
	})
	log.Info("report status changed")

	if req.To.Terminal() && m.watches != nil {
		err := m.retryWatchWrite(ctx, func(ctx context.Context) error { return m.watches.Cancel(ctx, req.ReportID) })
		if err != nil {
			// A leftover watch is harmless: the scheduler skips reports that
			// are no longer in a watched status.
			log.WithError(err).Error("failed to cancel escalation watch")
		}
	}

	m.emit(ctx, log, updated, mut.Change)
	return updated, nil
}

func (m *Machine) retryWatchWrite(ctx context.Context, write func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= watchWriteAttempts; attempt++ {
		if err = write(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// emit publishes report.statusChanged. The transition is already committed, so
// a publish failure is logged and not returned.
func (m *Machine) emit(ctx context.Context, log *logrus.Entry, r *report.Report, change report.StatusChange) {
	if m.publisher == nil {
		return
	}
	e, err := events.New(events.TypeReportStatusChanged, r.ID, change.CreatedAt, events.ReportStatusChanged{
		ReportID:  r.ID,
		OldStatus: change.OldStatus,
		NewStatus: change.NewStatus,
		ActorID:   change.ActorID,
		Note:      change.Note,
	})
	if err == nil {
		err = m.publisher.Publish(ctx, e)
	}
	if err != nil {
		log.WithError(err).Warn("status change committed but event was not published")
	}
}

// IsRejection reports whether err is a permanent validation failure.
func IsRejection(err error) bool {
	return errors.Is(err, report.ErrInvalidTransition) || errors.Is(err, report.ErrNotFound)
}
