package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisPusher publishes messages to the per-user channel.
type RedisPusher struct {
	client *redis.Client
}

func NewRedisPusher(client *redis.Client) *RedisPusher {
	return &RedisPusher{client: client}
}

func (p *RedisPusher) Push(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(msg.UserID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Relay forwards every user channel message into the hub until ctx ends.
func Relay(ctx context.Context, client *redis.Client, hub *Hub, log *logrus.Entry) error {
	sub := client.PSubscribe(ctx, ChannelPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelPattern, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.WithError(err).WithField("channel", m.Channel).Warn("dropping malformed realtime message")
				continue
			}
			if userID, ok := UserFromChannel(m.Channel); ok {
				msg.UserID = userID
			}
			hub.Deliver(msg)
		}
	}
}
