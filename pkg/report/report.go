package report

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusReceived        Status = "RECEIVED"
	StatusInReview        Status = "IN_REVIEW"
	StatusAssigned        Status = "ASSIGNED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusWaitingFeedback Status = "WAITING_FEEDBACK"
	StatusResolved        Status = "RESOLVED"
	StatusClosed          Status = "CLOSED"
	StatusRejected        Status = "REJECTED"
	StatusEscalated       Status = "ESCALATED"
)

// AllStatuses lists every status in workflow order.
var AllStatuses = []Status{
	StatusPending,
	StatusReceived,
	StatusInReview,
	StatusAssigned,
	StatusInProgress,
	StatusWaitingFeedback,
	StatusResolved,
	StatusClosed,
	StatusRejected,
	StatusEscalated,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed || s == StatusRejected
}

// Watched reports whether a report in status s must carry an escalation watch.
func (s Status) Watched() bool {
	switch s {
	case StatusAssigned, StatusInProgress, StatusWaitingFeedback, StatusEscalated:
		return true
	}
	return false
}

type Type string

const (
	TypePublic    Type = "PUBLIC"
	TypePrivate   Type = "PRIVATE"
	TypeAnonymous Type = "ANONYMOUS"
)

// ParseType maps the intake form privacy value onto a report type.
// Unknown or empty values default to public.
func ParseType(privacy string) Type {
	switch Type(normalize(privacy)) {
	case TypePrivate:
		return TypePrivate
	case TypeAnonymous:
		return TypeAnonymous
	default:
		return TypePublic
	}
}

type Report struct {
	ID              string         `bson:"_id" json:"id"`
	ReferenceNumber string         `bson:"reference_number" json:"reference_number"`
	Title           string         `bson:"title" json:"title"`
	Description     string         `bson:"description" json:"description"`
	Category        Category       `bson:"category" json:"category"`
	Type            Type           `bson:"type" json:"type"`
	LocationHint    string         `bson:"location_hint,omitempty" json:"location_hint,omitempty"`
	ReporterID      string         `bson:"reporter_id,omitempty" json:"reporter_id,omitempty"`
	// ReporterIDEnc holds the real reporter id for anonymous reports. Never serialized to clients.
	ReporterIDEnc   string         `bson:"reporter_id_enc,omitempty" json:"-"`
	Reporter        string         `bson:"reporter_name" json:"reporter_name"`
	Status          Status         `bson:"status" json:"status"`
	DepartmentID    string         `bson:"department_id,omitempty" json:"department_id,omitempty"`
	StaffID         string         `bson:"staff_id,omitempty" json:"staff_id,omitempty"`
	Tier            int            `bson:"tier" json:"tier"`
	EscalationLevel int            `bson:"escalation_level" json:"escalation_level"`
	SLADeadline     *time.Time     `bson:"sla_deadline,omitempty" json:"sla_deadline,omitempty"`
	History         []StatusChange `bson:"history" json:"-"`
	CreatedAt       time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `bson:"updated_at" json:"updated_at"`
	EscalatedAt     *time.Time     `bson:"escalated_at,omitempty" json:"escalated_at,omitempty"`
}

// StatusChange is one immutable entry of a report's history.
type StatusChange struct {
	ID        string    `bson:"id" json:"id"`
	ReportID  string    `bson:"report_id" json:"report_id"`
	OldStatus Status    `bson:"old_status" json:"old_status"`
	NewStatus Status    `bson:"new_status" json:"new_status"`
	ActorID   string    `bson:"actor_id" json:"actor_id"`
	Note      string    `bson:"note,omitempty" json:"note,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

func NewID() string {
	return primitive.NewObjectID().Hex()
}

// Masked returns a copy safe to show to anyone but the reporter.
func (r Report) Masked() Report {
	if r.Type == TypeAnonymous {
		r.Reporter = "Pelapor Anonim"
		r.ReporterID = ""
	}
	r.History = nil
	return r
}

// Clone returns a deep copy so callers can't mutate stored history.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	if r.History != nil {
		c.History = append([]StatusChange(nil), r.History...)
	}
	if r.SLADeadline != nil {
		d := *r.SLADeadline
		c.SLADeadline = &d
	}
	if r.EscalatedAt != nil {
		e := *r.EscalatedAt
		c.EscalatedAt = &e
	}
	return &c
}
