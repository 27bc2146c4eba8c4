package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"citizen-report-coordinator/pkg/deadletter"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/middleware"
)

type ConsumerConfig struct {
	Queue       string
	MaxAttempts int           `yaml:"maxAttempts" validate:"gte=1"`
	Backoff     time.Duration `yaml:"retryBackoff"`
	Workers     int           `yaml:"workers" validate:"gte=1"`
}

// Consumer feeds deliveries of one queue to a handler with manual acks.
// A delivery the handler keeps failing is retried in process, then written
// to the dead-letter sink and acked. Deliveries are never requeued.
type Consumer struct {
	cfg     ConsumerConfig
	handler events.Handler
	sink    deadletter.Sink
	log     *logrus.Entry
	nowFn   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewConsumer(cfg ConsumerConfig, handler events.Handler, sink deadletter.Sink, log *logrus.Entry) *Consumer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		sink:    sink,
		log:     log.WithField("queue", cfg.Queue),
		nowFn:   time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run consumes until ctx ends or the channel closes.
func (c *Consumer) Run(ctx context.Context, ch *amqp.Channel) error {
	if err := ch.Qos(c.cfg.Workers, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	c.log.Info("consuming")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-msgs:
					if !ok {
						return fmt.Errorf("delivery channel of %s closed", c.cfg.Queue)
					}
					c.Process(gctx, d)
				}
			}
		})
	}
	return g.Wait()
}

// Process settles one delivery.
func (c *Consumer) Process(ctx context.Context, d amqp.Delivery) {
	log := c.log.WithFields(logrus.Fields{"message_id": d.MessageId, "routing_key": d.RoutingKey})

	var e events.Envelope
	if err := json.Unmarshal(d.Body, &e); err != nil {
		c.deadLetter(ctx, log, d, e, 0, fmt.Sprintf("undecodable: %v", err))
		return
	}
	if err := e.Validate(); err != nil {
		c.deadLetter(ctx, log, d, e, 0, err.Error())
		return
	}
	log = log.WithFields(logrus.Fields{"event_id": e.ID, "report_id": e.ReportID})
	if e.TraceID != "" {
		ctx = middleware.WithTraceID(ctx, e.TraceID)
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.handler(ctx, e) == events.Ack {
			if err := d.Ack(false); err != nil {
				log.WithError(err).Error("failed to ack delivery")
			}
			return
		}
		log.WithField("attempt", attempt).Warn("handler failed")
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.cfg.Backoff*time.Duration(attempt)); err != nil {
			// Shutting down; the broker redelivers unacked messages.
			log.Info("stopping before retry, delivery left unacked")
			return
		}
	}
	c.deadLetter(ctx, log, d, e, c.cfg.MaxAttempts, "handler failed on every attempt")
}

func (c *Consumer) deadLetter(ctx context.Context, log *logrus.Entry, d amqp.Delivery, e events.Envelope, attempts int, reason string) {
	letter := deadletter.Letter{
		Queue:      c.cfg.Queue,
		RoutingKey: d.RoutingKey,
		EventID:    e.ID,
		EventType:  e.Type,
		Attempts:   attempts,
		Reason:     reason,
		FailedAt:   c.nowFn().UTC(),
		Body:       rawBody(d.Body),
	}
	if err := c.sink.Put(ctx, letter); err != nil {
		log.WithError(err).Error("dead-letter write failed, dropping delivery")
		if err := d.Nack(false, false); err != nil {
			log.WithError(err).Error("failed to nack delivery")
		}
		return
	}
	log.WithField("reason", reason).Error("delivery dead-lettered")
	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("failed to ack delivery")
	}
}

// rawBody keeps valid JSON as is and quotes anything else.
func rawBody(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
