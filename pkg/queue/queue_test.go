package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citizen-report-coordinator/pkg/deadletter"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/middleware"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return c.err
}

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = a.requeue || requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

func envelope(t *testing.T) events.Envelope {
	t.Helper()
	e, err := events.New(events.TypeReportCreated, "r1", time.Now(), events.ReportCreated{ReportID: "r1", Category: "SANITATION"})
	require.NoError(t, err)
	return e
}

func delivery(t *testing.T, ack amqp.Acknowledger, body []byte) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, RoutingKey: events.TypeReportCreated, Body: body}
}

func newConsumer(h events.Handler, sink deadletter.Sink) *Consumer {
	c := NewConsumer(ConsumerConfig{Queue: "dispatcher", MaxAttempts: 3, Backoff: time.Millisecond}, h, sink, logger.Discard())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	e := envelope(t)
	ctx := middleware.WithTraceID(context.Background(), "trace-1")

	require.NoError(t, NewPublisher(ch).Publish(ctx, e))
	assert.Equal(t, Exchange, ch.exchange)
	assert.Equal(t, events.TypeReportCreated, ch.key)
	assert.Equal(t, e.ID, ch.msg.MessageId)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "trace-1", ch.msg.Headers[middleware.TraceHeader])

	var wire events.Envelope
	require.NoError(t, json.Unmarshal(ch.msg.Body, &wire))
	assert.Equal(t, e.ID, wire.ID)
	assert.Equal(t, "trace-1", wire.TraceID)
}

func TestPublisher_RejectsInvalidEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	assert.Error(t, NewPublisher(ch).Publish(context.Background(), events.Envelope{}))
	assert.Empty(t, ch.key)
}

func TestConsumer_AckOnSuccess(t *testing.T) {
	ack := &ackRecorder{}
	sink := &deadletter.MemorySink{}
	body, _ := json.Marshal(envelope(t))
	calls := 0
	c := newConsumer(func(context.Context, events.Envelope) events.Outcome { calls++; return events.Ack }, sink)

	c.Process(context.Background(), delivery(t, ack, body))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, sink.Letters())
}

func TestConsumer_RetriesThenSucceeds(t *testing.T) {
	ack := &ackRecorder{}
	body, _ := json.Marshal(envelope(t))
	calls := 0
	c := newConsumer(func(context.Context, events.Envelope) events.Outcome {
		calls++
		if calls < 3 {
			return events.Fail
		}
		return events.Ack
	}, &deadletter.MemorySink{})

	c.Process(context.Background(), delivery(t, ack, body))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, ack.acks)
}

func TestConsumer_ExhaustedGoesToDeadLetter(t *testing.T) {
	ack := &ackRecorder{}
	sink := &deadletter.MemorySink{}
	e := envelope(t)
	body, _ := json.Marshal(e)
	calls := 0
	c := newConsumer(func(context.Context, events.Envelope) events.Outcome { calls++; return events.Fail }, sink)

	c.Process(context.Background(), delivery(t, ack, body))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
	letters := sink.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, e.ID, letters[0].EventID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.JSONEq(t, string(body), string(letters[0].Body))
}

func TestConsumer_UndecodableIsDeadLetteredWithoutHandler(t *testing.T) {
	ack := &ackRecorder{}
	sink := &deadletter.MemorySink{}
	c := newConsumer(func(context.Context, events.Envelope) events.Outcome {
		t.Fatal("handler must not see garbage")
		return events.Fail
	}, sink)

	c.Process(context.Background(), delivery(t, ack, []byte("not json")))
	assert.Equal(t, 1, ack.acks)
	require.Len(t, sink.Letters(), 1)
	assert.JSONEq(t, `"not json"`, string(sink.Letters()[0].Body))
}

func TestConsumer_SinkFailureNacksWithoutRequeue(t *testing.T) {
	ack := &ackRecorder{}
	sink := &deadletter.MemorySink{Err: errors.New("minio down")}
	body, _ := json.Marshal(envelope(t))
	c := newConsumer(func(context.Context, events.Envelope) events.Outcome { return events.Fail }, sink)

	c.Process(context.Background(), delivery(t, ack, body))
	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestConsumer_ShutdownLeavesDeliveryUnacked(t *testing.T) {
	ack := &ackRecorder{}
	body, _ := json.Marshal(envelope(t))
	c := newConsumer(func(context.Context, events.Envelope) events.Outcome { return events.Fail }, &deadletter.MemorySink{})
	c.sleep = sleepCtx
	c.cfg.Backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Process(ctx, delivery(t, ack, body))
	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestConsumer_PropagatesTraceID(t *testing.T) {
	e := envelope(t)
	e.TraceID = "trace-9"
	body, _ := json.Marshal(e)
	var seen string
	c := newConsumer(func(ctx context.Context, _ events.Envelope) events.Outcome {
		seen = middleware.TraceIDFrom(ctx)
		return events.Ack
	}, &deadletter.MemorySink{})

	c.Process(context.Background(), delivery(t, &ackRecorder{}, body))
	assert.Equal(t, "trace-9", seen)
}
