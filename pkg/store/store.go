// Package store holds the Report Store and escalation watch storage.
package store

import (
	"context"
	"time"

	"citizen-report-coordinator/pkg/report"
)

// Mutation is a conditional update: it only applies while the stored status
// equals From, and it always appends Change to the history.
type Mutation struct {
	ReportID string
	From     report.Status
	To       report.Status
	Change   report.StatusChange

	DepartmentID    *string
	StaffID         *string
	Tier            *int
	EscalationLevel *int
	SLADeadline     *time.Time
	ClearDeadline   bool
	EscalatedAt     *time.Time
}

type Filter struct {
	ReporterID string
	Status     report.Status
	Category   report.Category
	PublicOnly bool
	Since      time.Time
	Limit      int64
}

type Reports interface {
	Create(ctx context.Context, r *report.Report) error
	Get(ctx context.Context, id string) (*report.Report, error)
	GetByReference(ctx context.Context, ref string) (*report.Report, error)
	List(ctx context.Context, f Filter) ([]report.Report, error)
	History(ctx context.Context, id string) ([]report.StatusChange, error)
	// ApplyTransition returns report.ErrNotFound for unknown ids and
	// report.ErrConflict when the stored status no longer equals From.
	ApplyTransition(ctx context.Context, m Mutation) (*report.Report, error)
	NextReference(ctx context.Context, at time.Time) (string, error)
}

type Watches interface {
	// Register replaces the watch held for the report unless that watch is
	// at a higher level, in which case it is a no-op.
	Register(ctx context.Context, w report.EscalationWatch) error
	Cancel(ctx context.Context, reportID string) error
	// Claim deactivates the active watch at level and reports whether this
	// caller was the one to do so.
	Claim(ctx context.Context, reportID string, level int) (bool, error)
	Due(ctx context.Context, now time.Time, limit int) ([]report.EscalationWatch, error)
	Active(ctx context.Context, reportID string) (*report.EscalationWatch, error)
}

func applyMutation(r *report.Report, m Mutation) {
	r.Status = m.To
	if m.DepartmentID != nil {
		r.DepartmentID = *m.DepartmentID
	}
	if m.StaffID != nil {
		r.StaffID = *m.StaffID
	}
	if m.Tier != nil {
		r.Tier = *m.Tier
	}
	if m.EscalationLevel != nil {
		r.EscalationLevel = *m.EscalationLevel
	}
	if m.ClearDeadline {
		r.SLADeadline = nil
	} else if m.SLADeadline != nil {
		d := *m.SLADeadline
		r.SLADeadline = &d
	}
	if m.EscalatedAt != nil {
		e := *m.EscalatedAt
		r.EscalatedAt = &e
	}
	r.UpdatedAt = m.Change.CreatedAt
	r.History = append(r.History, m.Change)
}
