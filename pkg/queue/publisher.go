package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/middleware"
)

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends envelopes to the reports exchange as persistent messages.
type Publisher struct {
	ch      Channel
	timeout time.Duration
}

func NewPublisher(ch Channel) *Publisher {
	return &Publisher{ch: ch, timeout: 5 * time.Second}
}

func (p *Publisher) Publish(ctx context.Context, e events.Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.TraceID == "" {
		e.TraceID = middleware.TraceIDFrom(ctx)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         e.Type,
		Timestamp:    e.OccurredAt,
		Body:         body,
	}
	if e.TraceID != "" {
		msg.Headers = amqp.Table{middleware.TraceHeader: e.TraceID}
	}
	if err := p.ch.PublishWithContext(ctx, Exchange, e.Type, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	return nil
}
