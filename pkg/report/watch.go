package report

import "time"

// EscalationWatch tracks the outstanding SLA deadline of an assigned report.
// It is scheduling state, not part of the report record.
type EscalationWatch struct {
	ReportID     string    `bson:"_id" json:"report_id"`
	Level        int       `bson:"level" json:"level"`
	Tier         int       `bson:"tier" json:"tier"`
	Deadline     time.Time `bson:"deadline" json:"deadline"`
	Active       bool      `bson:"active" json:"active"`
	RegisteredAt time.Time `bson:"registered_at" json:"registered_at"`
}

func (w EscalationWatch) Expired(now time.Time) bool {
	return w.Active && !now.Before(w.Deadline)
}
