// Package notify turns lifecycle events into per-user notifications, stores
// them for polling and pushes them to live sessions.
package notify

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("notification not found")

// namespace seeds the deterministic notification ids.
var namespace = uuid.MustParse("5b0f3c1e-8d7a-4e65-9f55-7a3c1d2e4b60")

// Notification is one message for one user, derived from one event.
type Notification struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string     `gorm:"index:idx_notifications_user_created,priority:1;not null" json:"user_id"`
	ReportID  string     `gorm:"index;not null" json:"report_id"`
	EventID   string     `gorm:"not null" json:"event_id"`
	EventType string     `gorm:"not null" json:"type"`
	Title     string     `gorm:"not null" json:"title"`
	Message   string     `gorm:"not null" json:"message"`
	Status    string     `json:"status,omitempty"`
	CreatedAt time.Time  `gorm:"index:idx_notifications_user_created,priority:2" json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

func (Notification) TableName() string { return "notification_events" }

func (n Notification) IsUnread() bool { return n.ReadAt == nil }

// NotificationID is stable for an (event, user) pair, so redelivered events
// map onto the rows they already produced.
func NotificationID(eventID, userID string) string {
	return uuid.NewSHA1(namespace, []byte(eventID+"|"+userID)).String()
}
