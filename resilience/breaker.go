package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
)

// State of a circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerConfig configures one circuit.
type BreakerConfig struct {
	// FailureThreshold failures inside MonitoringWindow open the circuit.
	FailureThreshold int
	MonitoringWindow time.Duration
	// ResetTimeout is how long the circuit stays open before a half-open trial.
	ResetTimeout time.Duration
	// Timeout bounds every call made through the breaker, retries included.
	Timeout time.Duration
	// ErrorFilter reports whether err counts as a failure. Defaults to
	// errs.Retryable, so validation and 4xx errors never trip the circuit.
	ErrorFilter func(error) bool
	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.ErrorFilter == nil {
		c.ErrorFilter = errs.Retryable
	}
	return c
}

// Snapshot is a point-in-time view of a circuit.
type Snapshot struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	FailuresInWindow int       `json:"failures_in_window"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	Trips            int64     `json:"trips"`
	Rejections       int64     `json:"rejections"`
}

// Breaker is a named circuit breaker. The state machine is gobreaker's with
// MaxRequests=1, so exactly one trial call passes in half-open; the monitoring
// window is a sliding log of failure timestamps consulted by ReadyToTrip.
type Breaker struct {
	name string
	cfg  BreakerConfig
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time

	trips      atomic.Int64
	rejections atomic.Int64
}

// NewBreaker builds a circuit for one backend.
func NewBreaker(name string, cfg BreakerConfig, log *zap.Logger) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name: name,
		cfg:  cfg,
		log:  logger.OrDefault(log, "breaker").With(zap.String("backend", name)),
		now:  time.Now,
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          name,
		MaxRequests:   1,
		Timeout:       cfg.ResetTimeout,
		ReadyToTrip:   func(gobreaker.Counts) bool { return b.recordFailure() },
		OnStateChange: b.onStateChange,
		IsSuccessful: func(err error) bool {
			return err == nil || !cfg.ErrorFilter(err)
		},
	})
	return b
}

// recordFailure is called by gobreaker for every failure while closed.
func (b *Breaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	return len(b.failures) >= b.cfg.FailureThreshold
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	b.failures = b.failures[:0]
	if to == gobreaker.StateOpen {
		b.openedAt = b.now()
	} else if to == gobreaker.StateClosed {
		b.openedAt = time.Time{}
	}
	b.mu.Unlock()

	if to == gobreaker.StateOpen {
		b.trips.Inc()
		b.log.Warn("circuit opened", zap.String("from", from.String()), zap.Duration("reset_timeout", b.cfg.ResetTimeout))
	} else {
		b.log.Info("circuit state changed", zap.String("from", from.String()), zap.String("to", to.String()))
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, fromGobreaker(from), fromGobreaker(to))
	}
}

// Name returns the backend name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open circuit whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// Snapshot returns the circuit counters.
func (b *Breaker) Snapshot() Snapshot {
	st := b.State()
	b.mu.Lock()
	b.pruneLocked(b.now())
	s := Snapshot{
		Name:             b.name,
		State:            st,
		FailuresInWindow: len(b.failures),
		OpenedAt:         b.openedAt,
	}
	b.mu.Unlock()
	s.Trips = b.trips.Load()
	s.Rejections = b.rejections.Load()
	return s
}

// Execute runs fn through the circuit under the configured hard timeout. A
// rejected call returns an errs.KindCircuitOpen error without invoking fn.
// fn runs on its own goroutine so the timeout holds even when fn ignores its
// context.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.runBounded(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejections.Inc()
		return errs.CircuitOpen(b.name)
	}
	return err
}

func (b *Breaker) runBounded(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.cfg.Timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(cctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errs.Timeout(b.name, "call")
		}
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			// the caller gave up; not a backend failure when cancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errs.Timeout(b.name, "call")
			}
			return ctx.Err()
		}
		return errs.Timeout(b.name, "call")
	}
}
