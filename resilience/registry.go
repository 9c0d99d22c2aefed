package resilience

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

// Registry hands out one Guard per backend name. Guards are created on first
// use and shared by every caller in the process.
type Registry struct {
	cfg      config.ResilienceConfig
	log      *zap.Logger
	onState  func(name string, from, to State)
	observer func(Attempt)

	mu     sync.Mutex
	guards map[string]*Guard
}

type RegistryOption func(*Registry)

// WithStateListener is called after every circuit transition.
func WithStateListener(fn func(name string, from, to State)) RegistryOption {
	return func(r *Registry) { r.onState = fn }
}

// WithRetryObserver is called after every attempt of every guard.
func WithRetryObserver(fn func(Attempt)) RegistryOption {
	return func(r *Registry) { r.observer = fn }
}

func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(cfg config.ResilienceConfig, opts ...RegistryOption) *Registry {
	r := &Registry{cfg: cfg, guards: make(map[string]*Guard)}
	for _, o := range opts {
		o(r)
	}
	r.log = logger.OrDefault(r.log, "resilience")
	return r
}

// Guard returns the guard for name, creating it from the backend policy.
func (r *Registry) Guard(name string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[name]; ok {
		return g
	}
	p := r.cfg.Policy(name)
	b := NewBreaker(name, BreakerConfig{
		FailureThreshold: p.FailureThreshold,
		MonitoringWindow: ms(p.MonitoringWindowMs),
		ResetTimeout:     ms(p.ResetTimeoutMs),
		Timeout:          ms(p.TimeoutMs),
		OnStateChange:    r.onState,
	}, r.log)
	observer := r.observer
	rt := NewRetry(name, RetryConfig{
		MaxRetries:   p.MaxRetries,
		InitialDelay: ms(p.InitialDelayMs),
		Multiplier:   p.Multiplier,
		MaxDelay:     ms(p.MaxDelayMs),
		Observer: func(a Attempt) {
			if a.Err != nil && a.NextDelay > 0 {
				r.log.Debug("retrying backend call",
					zap.String("backend", a.Backend), zap.Int("attempt", a.Number),
					zap.Duration("delay", a.NextDelay), zap.Error(a.Err))
			}
			if observer != nil {
				observer(a)
			}
		},
	})
	g := NewGuard(name, b, rt)
	r.guards[name] = g
	return g
}

// Register installs a prebuilt guard, replacing any existing one.
func (r *Registry) Register(g *Guard) {
	r.mu.Lock()
	r.guards[g.Name()] = g
	r.mu.Unlock()
}

// Snapshots returns every known circuit, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	guards := make([]*Guard, 0, len(r.guards))
	for _, g := range r.guards {
		guards = append(guards, g)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(guards))
	for _, g := range guards {
		out = append(out, g.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// State returns the state of a backend, closed when it has never been used.
func (r *Registry) State(name string) State {
	r.mu.Lock()
	g, ok := r.guards[name]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return g.breaker.State()
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
