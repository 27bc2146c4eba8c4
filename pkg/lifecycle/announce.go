package lifecycle

import (
	"errors"
	"fmt"

	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/report"
)

var errNoDeadline = errors.New("assigned report has no SLA deadline")

// AssignedEvent builds the report.assigned announcement for the current
// assignment of r. Its id derives from the history entry that made the
// assignment, so re-announcing the same assignment yields the same event.
func AssignedEvent(r *report.Report) (events.Envelope, error) {
	if r.SLADeadline == nil {
		return events.Envelope{}, fmt.Errorf("announce %s: %w", r.ID, errNoDeadline)
	}
	occurredAt := r.UpdatedAt
	anchor := r.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z")
	for i := len(r.History) - 1; i >= 0; i-- {
		if c := r.History[i]; c.NewStatus == report.StatusAssigned {
			anchor = c.ID
			occurredAt = c.CreatedAt
			break
		}
	}
	return events.NewWithID(
		events.DerivedID(events.TypeReportAssigned, r.ID, anchor),
		events.TypeReportAssigned, r.ID, occurredAt,
		events.ReportAssigned{
			ReportID:     r.ID,
			DepartmentID: r.DepartmentID,
			StaffID:      r.StaffID,
			Tier:         r.Tier,
			Deadline:     r.SLADeadline.UTC(),
		},
	)
}
