package events

import (
	"context"
	"sync"
)

// MemoryBus delivers events in-process. Delivery is synchronous and in
// subscription order; it backs the operator demo and the scenario tests.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      []Envelope
	failed   []Envelope
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

func (b *MemoryBus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

func (b *MemoryBus) Publish(ctx context.Context, e Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.log = append(b.log, e)
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if h(ctx, e) == Fail {
			b.mu.Lock()
			b.failed = append(b.failed, e)
			b.mu.Unlock()
		}
	}
	return nil
}

// Published returns every event seen so far, optionally filtered by type.
func (b *MemoryBus) Published(eventType string) []Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Envelope
	for _, e := range b.log {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Failed returns events for which at least one handler reported Fail.
func (b *MemoryBus) Failed() []Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Envelope(nil), b.failed...)
}
