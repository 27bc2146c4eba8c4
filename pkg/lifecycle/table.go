package lifecycle

import (
	"sort"

	"citizen-report-coordinator/pkg/report"
)

// TableVersion identifies the transition table below. Every instance of every
// service must run the same version.
const TableVersion = 1

var transitions = map[report.Status][]report.Status{
	report.StatusPending:         {report.StatusReceived, report.StatusAssigned, report.StatusRejected},
	report.StatusReceived:        {report.StatusInReview, report.StatusAssigned, report.StatusRejected},
	report.StatusInReview:        {report.StatusAssigned, report.StatusRejected},
	report.StatusAssigned:        {report.StatusInProgress, report.StatusWaitingFeedback, report.StatusResolved, report.StatusRejected, report.StatusEscalated},
	report.StatusInProgress:      {report.StatusWaitingFeedback, report.StatusResolved, report.StatusEscalated},
	report.StatusWaitingFeedback: {report.StatusInProgress, report.StatusResolved, report.StatusClosed, report.StatusEscalated},
	// ESCALATED -> ESCALATED is a re-escalation while nobody has picked the report up.
	report.StatusEscalated: {report.StatusAssigned, report.StatusInProgress, report.StatusEscalated},
	report.StatusResolved:  {},
	report.StatusClosed:    {},
	report.StatusRejected:  {},
}

// Allowed reports whether from -> to appears in the transition table.
func Allowed(from, to report.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Targets returns the statuses reachable from from, sorted.
func Targets(from report.Status) []report.Status {
	out := append([]report.Status(nil), transitions[from]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Table returns a copy of the full transition table.
func Table() map[report.Status][]report.Status {
	out := make(map[report.Status][]report.Status, len(transitions))
	for from := range transitions {
		out[from] = Targets(from)
	}
	return out
}
