// Package breaker protects outbound inter-service calls. Each target service
// has one Breaker shared by every caller in the process; state changes are
// published with compare-and-swap on an immutable snapshot so unrelated calls
// never wait on each other.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	ErrCircuitOpen = errors.New("circuit open")
	ErrTimeout     = errors.New("request timed out")
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Settings struct {
	FailureThreshold      int           `yaml:"failureThreshold" validate:"gte=1"`
	ResetTimeout          time.Duration `yaml:"resetTimeout" validate:"gt=0"`
	HalfOpenTrialRequests int           `yaml:"halfOpenTrialRequests" validate:"gte=1"`
	// RequestTimeout bounds each wrapped call; zero disables it.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:      5,
		ResetTimeout:          30 * time.Second,
		HalfOpenTrialRequests: 3,
		RequestTimeout:        5 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = d.ResetTimeout
	}
	if s.HalfOpenTrialRequests <= 0 {
		s.HalfOpenTrialRequests = d.HalfOpenTrialRequests
	}
	return s
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State          State
	Failures       int
	LastFailure    time.Time
	OpenedAt       time.Time
	TrialsAdmitted int
	TrialSuccesses int
	// generation changes on every state change; results from an older
	// generation are discarded.
	generation uint64
}

type Breaker struct {
	name     string
	settings Settings
	state    atomic.Pointer[Snapshot]
	nowFn    func() time.Time
	// isFailure decides whether an error counts against the breaker.
	isFailure func(error) bool
	onChange  func(name string, from, to State)
	onReject  func(name string)
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFn = now }
}

// WithFailurePredicate overrides which errors trip the breaker. Errors the
// predicate rejects are treated as successful round trips.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

func WithStateChangeHook(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func withRejectHook(fn func(name string)) Option {
	return func(b *Breaker) { b.onReject = fn }
}

func New(name string, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		settings:  settings.withDefaults(),
		nowFn:     time.Now,
		isFailure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.state.Store(&Snapshot{State: StateClosed})
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Settings() Settings { return b.settings }

func (b *Breaker) Snapshot() Snapshot { return *b.state.Load() }

func (b *Breaker) State() State { return b.state.Load().State }

// Execute runs fn if the breaker admits the call. A rejected call returns
// ErrCircuitOpen without invoking fn. A call exceeding the request timeout
// returns ErrTimeout and counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		if b.onReject != nil {
			b.onReject(b.name)
		}
		return fmt.Errorf("%s: %w", b.name, err)
	}

	callCtx := ctx
	cancel := func() {}
	if b.settings.RequestTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.settings.RequestTimeout)
	}
	err = fn(callCtx)
	timedOut := err != nil && ctx.Err() == nil &&
		(callCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded))
	cancel()

	if timedOut {
		b.record(gen, true)
		return fmt.Errorf("%s: %w", b.name, ErrTimeout)
	}
	// The caller giving up is not evidence about the downstream.
	if err != nil && ctx.Err() != nil {
		b.release(gen)
		return err
	}
	b.record(gen, b.isFailure(err))
	return err
}

// admit reserves the right to make a call and returns the generation it
// belongs to.
func (b *Breaker) admit() (uint64, error) {
	for {
		cur := b.state.Load()
		switch cur.State {
		case StateClosed:
			return cur.generation, nil

		case StateOpen:
			if b.nowFn().Sub(cur.OpenedAt) < b.settings.ResetTimeout {
				return 0, ErrCircuitOpen
			}
			next := &Snapshot{
				State:          StateHalfOpen,
				LastFailure:    cur.LastFailure,
				OpenedAt:       cur.OpenedAt,
				TrialsAdmitted: 1,
				generation:     cur.generation + 1,
			}
			if b.state.CompareAndSwap(cur, next) {
				b.changed(StateOpen, StateHalfOpen)
				return next.generation, nil
			}

		case StateHalfOpen:
			if cur.TrialsAdmitted >= b.settings.HalfOpenTrialRequests {
				return 0, ErrCircuitOpen
			}
			next := *cur
			next.TrialsAdmitted++
			if b.state.CompareAndSwap(cur, &next) {
				return next.generation, nil
			}
		}
	}
}

func (b *Breaker) record(gen uint64, failed bool) {
	for {
		cur := b.state.Load()
		if cur.generation != gen {
			return
		}
		var next *Snapshot
		now := b.nowFn()

		switch cur.State {
		case StateClosed:
			if !failed {
				if cur.Failures == 0 {
					return
				}
				n := *cur
				n.Failures = 0
				next = &n
				break
			}
			if cur.Failures+1 >= b.settings.FailureThreshold {
				next = &Snapshot{
					State:       StateOpen,
					Failures:    cur.Failures + 1,
					LastFailure: now,
					OpenedAt:    now,
					generation:  cur.generation + 1,
				}
				break
			}
			n := *cur
			n.Failures++
			n.LastFailure = now
			next = &n

		case StateHalfOpen:
			if failed {
				next = &Snapshot{
					State:       StateOpen,
					LastFailure: now,
					OpenedAt:    now,
					generation:  cur.generation + 1,
				}
				break
			}
			if cur.TrialSuccesses+1 >= b.settings.HalfOpenTrialRequests {
				next = &Snapshot{State: StateClosed, generation: cur.generation + 1}
				break
			}
			n := *cur
			n.TrialSuccesses++
			next = &n

		default:
			return
		}

		if b.state.CompareAndSwap(cur, next) {
			if next.State != cur.State {
				b.changed(cur.State, next.State)
			}
			return
		}
	}
}

// release returns an unused half-open trial slot.
func (b *Breaker) release(gen uint64) {
	for {
		cur := b.state.Load()
		if cur.generation != gen || cur.State != StateHalfOpen || cur.TrialsAdmitted == 0 {
			return
		}
		n := *cur
		n.TrialsAdmitted--
		if b.state.CompareAndSwap(cur, &n) {
			return
		}
	}
}

func (b *Breaker) changed(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
