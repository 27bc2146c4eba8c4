// Package dispatch routes new reports to a department and assigns them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"citizen-report-coordinator/pkg/escalation"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/routing"
	"citizen-report-coordinator/pkg/store"
)

// ActorID is recorded as the actor of automatic assignments.
const ActorID = "system:dispatcher"

type Assigner interface {
	Assign(ctx context.Context, req lifecycle.Request, a lifecycle.Assignment) (*report.Report, error)
}

type Dispatcher struct {
	reports   store.Reports
	router    routing.Router
	dir       routing.Directory
	machine   Assigner
	publisher events.Publisher
	policy    escalation.Policy
	log       *logrus.Entry
	nowFn     func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.nowFn = now }
}

func New(
	reports store.Reports,
	router routing.Router,
	dir routing.Directory,
	machine Assigner,
	publisher events.Publisher,
	policy escalation.Policy,
	log *logrus.Entry,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		reports:   reports,
		router:    router,
		dir:       dir,
		machine:   machine,
		publisher: publisher,
		policy:    policy,
		log:       log,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleCreated consumes report.created. Unroutable reports stay PENDING for
// manual triage; transient failures are handed back for redelivery.
func (d *Dispatcher) HandleCreated(ctx context.Context, e events.Envelope) events.Outcome {
	var payload events.ReportCreated
	if err := e.Decode(&payload); err != nil {
		d.log.WithError(err).WithField("event_id", e.ID).Error("dropping undecodable report.created")
		return events.Ack
	}
	log := d.log.WithFields(logrus.Fields{"event_id": e.ID, "report_id": payload.ReportID})

	assigned, err := d.Dispatch(ctx, payload.ReportID)
	switch {
	case err == nil:
		if assigned != nil {
			log.WithFields(logrus.Fields{
				"department_id": assigned.DepartmentID,
				"staff_id":      assigned.StaffID,
				"tier":          assigned.Tier,
			}).Info("report assigned")
		}
		return events.Ack
	case errors.Is(err, report.ErrUnroutableReport):
		log.WithError(err).Warn("report left pending for manual triage")
		return events.Ack
	case errors.Is(err, report.ErrNotFound):
		log.Warn("created report not found")
		return events.Ack
	case errors.Is(err, report.ErrInvalidTransition):
		// Someone moved the report out of PENDING first.
		log.WithError(err).Info("report no longer pending, dispatch skipped")
		return events.Ack
	default:
		log.WithError(err).WithField("transient", report.IsTransient(err)).Error("dispatch failed")
		return events.Fail
	}
}

// Dispatch routes and assigns one pending report. A report that is already
// assigned gets its report.assigned re-announced, so a redelivery heals an
// assignment whose event was lost. Reports in any other state return nil, nil.
func (d *Dispatcher) Dispatch(ctx context.Context, reportID string) (*report.Report, error) {
	r, err := d.reports.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status == report.StatusAssigned && r.EscalationLevel == 0 && r.SLADeadline != nil {
		if err := d.publishAssigned(ctx, r); err != nil {
			return nil, err
		}
		return r, nil
	}
	if r.Status != report.StatusPending {
		return nil, nil
	}

	decision, err := d.router.Decide(ctx, r.Category, r.LocationHint)
	if err != nil {
		return nil, err
	}
	staff, err := routing.PickStaff(ctx, d.dir, decision.DepartmentID, decision.InitialTier, r.ID)
	if err != nil {
		return nil, fmt.Errorf("pick staff: %w", err)
	}

	now := d.nowFn().UTC()
	deadline := d.policy.Deadline(now, decision.InitialTier)
	updated, err := d.machine.Assign(ctx, lifecycle.Request{
		ReportID: r.ID,
		From:     report.StatusPending,
		To:       report.StatusAssigned,
		ActorID:  ActorID,
		Note:     fmt.Sprintf("routed to %s", decision.DepartmentCode),
	}, lifecycle.Assignment{
		DepartmentID: decision.DepartmentID,
		StaffID:      staff,
		Tier:         decision.InitialTier,
		Deadline:     deadline,
	})
	if err != nil {
		return nil, err
	}

	if err := d.publishAssigned(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *Dispatcher) publishAssigned(ctx context.Context, r *report.Report) error {
	if d.publisher == nil {
		return nil
	}
	e, err := lifecycle.AssignedEvent(r)
	if err == nil {
		err = d.publisher.Publish(ctx, e)
	}
	if err != nil {
		return fmt.Errorf("announce assignment of %s: %w", r.ID, err)
	}
	return nil
}
