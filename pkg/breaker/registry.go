package breaker

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Registry hands out one Breaker per target service name. Build it once per
// process and pass it to the components that make outbound calls.
type Registry struct {
	settings  Settings
	overrides map[string]Settings
	opts      []Option
	log       *logrus.Entry
	metrics   *Metrics

	breakers sync.Map // name -> *Breaker
}

type RegistryOption func(*Registry)

// WithServiceSettings configures a single service differently from the default.
func WithServiceSettings(name string, s Settings) RegistryOption {
	return func(r *Registry) { r.overrides[name] = s }
}

func WithBreakerOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

func WithLogger(log *logrus.Entry) RegistryOption {
	return func(r *Registry) { r.log = log }
}

func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(settings Settings, opts ...RegistryOption) *Registry {
	r := &Registry{
		settings:  settings.withDefaults(),
		overrides: make(map[string]Settings),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the shared breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	if b, ok := r.breakers.Load(name); ok {
		return b.(*Breaker)
	}
	settings := r.settings
	if s, ok := r.overrides[name]; ok {
		settings = s
	}
	opts := append([]Option{
		WithStateChangeHook(r.stateChanged),
		withRejectHook(r.rejected),
	}, r.opts...)
	b, _ := r.breakers.LoadOrStore(name, New(name, settings, opts...))
	return b.(*Breaker)
}

// Execute is shorthand for Get(name).Execute(ctx, fn).
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Snapshots returns the state of every breaker created so far, by name.
func (r *Registry) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot)
	r.breakers.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Breaker).Snapshot()
		return true
	})
	return out
}

// Names lists the known services in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.breakers.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Close resets the registry. Breakers already handed out keep working.
func (r *Registry) Close() {
	r.breakers.Range(func(k, _ any) bool {
		r.breakers.Delete(k)
		return true
	})
}

func (r *Registry) stateChanged(name string, from, to State) {
	if r.log != nil {
		r.log.WithFields(logrus.Fields{
			"target": name,
			"from":   from.String(),
			"to":     to.String(),
		}).Warn("circuit breaker state changed")
	}
	if r.metrics != nil {
		r.metrics.State.WithLabelValues(name).Set(float64(to))
		r.metrics.Transitions.WithLabelValues(name, to.String()).Inc()
	}
}

func (r *Registry) rejected(name string) {
	if r.metrics != nil {
		r.metrics.Rejected.WithLabelValues(name).Inc()
	}
}

type Metrics struct {
	State       *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state per target service (0 closed, 1 open, 2 half-open)",
			},
			[]string{"target"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions by target and new state",
			},
			[]string{"target", "state"},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_rejected_total",
				Help: "Calls rejected without a network attempt",
			},
			[]string{"target"},
		),
	}
	reg.MustRegister(m.State, m.Transitions, m.Rejected)
	return m
}
