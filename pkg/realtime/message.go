// Package realtime carries notifications from the relay to connected
// clients. The relay publishes per-user messages on Redis; the gateway
// subscribes and fans them out over websocket and SSE.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const (
	KindNotification = "notification"
	KindUnreadCount  = "unread_count"
	KindConnected    = "connected"

	channelPrefix = "realtime:user:"
	// ChannelPattern matches every user channel.
	ChannelPattern = channelPrefix + "*"
)

type Message struct {
	Kind    string          `json:"type"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Unread  *int64          `json:"unread,omitempty"`
	At      time.Time       `json:"at"`
}

// Channel is the Redis channel of one user.
func Channel(userID string) string {
	return channelPrefix + userID
}

// UserFromChannel returns the user id encoded in a channel name.
func UserFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, channelPrefix)
	return id, id != ""
}

// Pusher delivers a message to one user's live sessions.
type Pusher interface {
	Push(ctx context.Context, msg Message) error
}
