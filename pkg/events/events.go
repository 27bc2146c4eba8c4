// Package events defines the domain events exchanged between the lifecycle
// services and the contract consumers implement.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"citizen-report-coordinator/pkg/report"
)

const (
	TypeReportCreated       = "report.created"
	TypeReportAssigned      = "report.assigned"
	TypeReportStatusChanged = "report.statusChanged"
	TypeReportEscalated     = "report.escalated"
)

// AllTypes is the set of lifecycle event types, in flow order.
var AllTypes = []string{
	TypeReportCreated,
	TypeReportAssigned,
	TypeReportStatusChanged,
	TypeReportEscalated,
}

// Envelope is the wire form of every domain event. ID is the dedupe key.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ReportID   string          `json:"report_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	TraceID    string          `json:"trace_id,omitempty"`
	Data       json.RawMessage `json:"data"`
}

type ReportCreated struct {
	ReportID     string          `json:"reportId"`
	Category     report.Category `json:"category"`
	Type         report.Type     `json:"type"`
	LocationHint string          `json:"locationHint,omitempty"`
}

type ReportAssigned struct {
	ReportID     string    `json:"reportId"`
	DepartmentID string    `json:"departmentId"`
	StaffID      string    `json:"staffId,omitempty"`
	Tier         int       `json:"tier"`
	Deadline     time.Time `json:"deadline"`
}

type ReportStatusChanged struct {
	ReportID  string        `json:"reportId"`
	OldStatus report.Status `json:"oldStatus"`
	NewStatus report.Status `json:"newStatus"`
	ActorID   string        `json:"actorId"`
	Note      string        `json:"note,omitempty"`
}

type ReportEscalated struct {
	ReportID     string    `json:"reportId"`
	FromTier     int       `json:"fromTier"`
	ToTier       int       `json:"toTier"`
	Level        int       `json:"level"`
	DepartmentID string    `json:"departmentId,omitempty"`
	StaffID      string    `json:"staffId,omitempty"`
	Deadline     time.Time `json:"deadline"`
}

// New wraps payload in an envelope with a fresh event id.
func New(eventType, reportID string, occurredAt time.Time, payload any) (Envelope, error) {
	return NewWithID(uuid.NewString(), eventType, reportID, occurredAt, payload)
}

// eventNamespace scopes ids derived by DerivedID.
var eventNamespace = uuid.MustParse("0c6f8a8e-3d0b-5f61-9a52-6b1f4e7d2c10")

// DerivedID returns a stable event id for a fact that may be announced more
// than once, so every announcement dedupes to the same event.
func DerivedID(eventType string, parts ...string) string {
	key := eventType
	for _, p := range parts {
		key += "/" + p
	}
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// NewWithID wraps payload in an envelope with the given event id.
func NewWithID(id, eventType, reportID string, occurredAt time.Time, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:         id,
		Type:       eventType,
		ReportID:   reportID,
		OccurredAt: occurredAt.UTC(),
		Data:       data,
	}, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", e.Type, e.ID, err)
	}
	return nil
}

func (e Envelope) Validate() error {
	if e.ID == "" || e.Type == "" || e.ReportID == "" || e.OccurredAt.IsZero() {
		return fmt.Errorf("invalid envelope: id, type, report id and timestamp are required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("invalid envelope %s: empty payload", e.ID)
	}
	return nil
}

// Outcome is what a consumer reports back to the bus integration.
type Outcome int

const (
	Ack Outcome = iota
	Fail
)

func (o Outcome) String() string {
	if o == Ack {
		return "ack"
	}
	return "fail"
}

// Handler consumes one event. It must be safe to call concurrently and
// idempotent per event id.
type Handler func(ctx context.Context, e Envelope) Outcome

type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, e Envelope) error { return f(ctx, e) }
