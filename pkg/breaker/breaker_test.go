package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errDownstream = errors.New("downstream failed")

func failing(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return errDownstream
	}
}

func succeeding(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return nil
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("routing-service", DefaultSettings(), WithClock(clock.Now))
	ctx := context.Background()
	var calls int32

	for i := 0; i < 4; i++ {
		err := b.Execute(ctx, failing(&calls))
		require.ErrorIs(t, err, errDownstream)
		assert.Equal(t, StateClosed, b.State())
	}

	err := b.Execute(ctx, failing(&calls))
	require.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int32(5), calls)

	err = b.Execute(ctx, succeeding(&calls))
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), calls, "open breaker must not attempt the call")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("svc", DefaultSettings())
	ctx := context.Background()
	var calls int32

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, 0, b.Snapshot().Failures)

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenLifecycle(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T) (*Breaker, *fakeClock) {
		clock := newFakeClock()
		b := New("svc", DefaultSettings(), WithClock(clock.Now))
		var calls int32
		for i := 0; i < 5; i++ {
			_ = b.Execute(ctx, failing(&calls))
		}
		require.Equal(t, StateOpen, b.State())
		return b, clock
	}

	t.Run("stays open before reset timeout", func(t *testing.T) {
		b, clock := open(t)
		clock.Advance(29 * time.Second)
		var calls int32
		require.ErrorIs(t, b.Execute(ctx, succeeding(&calls)), ErrCircuitOpen)
		assert.Zero(t, calls)
	})

	t.Run("single failure reopens", func(t *testing.T) {
		b, clock := open(t)
		clock.Advance(30 * time.Second)
		var calls int32
		require.ErrorIs(t, b.Execute(ctx, failing(&calls)), errDownstream)
		assert.Equal(t, int32(1), calls)
		assert.Equal(t, StateOpen, b.State())
		assert.Equal(t, clock.Now(), b.Snapshot().OpenedAt)

		require.ErrorIs(t, b.Execute(ctx, succeeding(&calls)), ErrCircuitOpen)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("trial successes close", func(t *testing.T) {
		b, clock := open(t)
		clock.Advance(30 * time.Second)
		var calls int32
		for i := 0; i < 2; i++ {
			require.NoError(t, b.Execute(ctx, succeeding(&calls)))
			assert.Equal(t, StateHalfOpen, b.State())
		}
		require.NoError(t, b.Execute(ctx, succeeding(&calls)))
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, Snapshot{State: StateClosed, generation: b.Snapshot().generation}, b.Snapshot())
	})

	t.Run("trial slots are bounded", func(t *testing.T) {
		b, clock := open(t)
		clock.Advance(30 * time.Second)

		release := make(chan struct{})
		started := make(chan struct{}, 3)
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = b.Execute(ctx, func(context.Context) error {
					started <- struct{}{}
					<-release
					return nil
				})
			}()
		}
		for i := 0; i < 3; i++ {
			<-started
		}

		var calls int32
		require.ErrorIs(t, b.Execute(ctx, succeeding(&calls)), ErrCircuitOpen)
		assert.Zero(t, calls)

		close(release)
		wg.Wait()
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	settings := DefaultSettings()
	settings.FailureThreshold = 1
	settings.RequestTimeout = 10 * time.Millisecond
	b := New("slow", settings)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	settings := DefaultSettings()
	settings.FailureThreshold = 1
	b := New("svc", settings)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailurePredicate(t *testing.T) {
	errRejected := errors.New("rejected by peer")
	settings := DefaultSettings()
	settings.FailureThreshold = 1
	b := New("svc", settings, WithFailurePredicate(func(err error) bool {
		return err != nil && !errors.Is(err, errRejected)
	}))

	err := b.Execute(context.Background(), func(context.Context) error { return errRejected })
	require.ErrorIs(t, err, errRejected)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	var changes int32
	b := New("svc", DefaultSettings(), WithStateChangeHook(func(_ string, _, to State) {
		if to == StateOpen {
			atomic.AddInt32(&changes, 1)
		}
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var calls int32
			_ = b.Execute(context.Background(), failing(&calls))
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&changes))
}

func TestRegistry_SharesBreakerPerService(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(DefaultSettings(),
		WithMetrics(NewMetrics(reg)),
		WithServiceSettings("realtime-gateway", Settings{FailureThreshold: 2}),
	)

	a := r.Get("routing-service")
	assert.Same(t, a, r.Get("routing-service"))
	assert.NotSame(t, a, r.Get("realtime-gateway"))
	assert.Equal(t, 2, r.Get("realtime-gateway").Settings().FailureThreshold)
	assert.Equal(t, 30*time.Second, r.Get("realtime-gateway").Settings().ResetTimeout)

	var calls int32
	for i := 0; i < 2; i++ {
		_ = r.Execute(context.Background(), "realtime-gateway", failing(&calls))
	}
	assert.Equal(t, StateOpen, r.Get("realtime-gateway").State())
	assert.Equal(t, StateClosed, r.Get("routing-service").State())
	assert.Equal(t, []string{"realtime-gateway", "routing-service"}, r.Names())
}
