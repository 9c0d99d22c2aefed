package resilience

import (
	"context"
	"math"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
)

// Attempt is reported to the retry observer after every call.
type Attempt struct {
	Backend string
	// Number starts at 1.
	Number int
	Err    error
	// NextDelay is the wait before the next attempt; zero when no retry follows.
	NextDelay time.Duration
}

// RetryConfig configures bounded exponential backoff.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// RetryIf defaults to errs.Retryable.
	RetryIf  func(error) bool
	Observer func(Attempt)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.RetryIf == nil {
		c.RetryIf = errs.Retryable
	}
	return c
}

// Retry runs a call with bounded exponential backoff.
type Retry struct {
	backend string
	cfg     RetryConfig
}

func NewRetry(backend string, cfg RetryConfig) *Retry {
	return &Retry{backend: backend, cfg: cfg.withDefaults()}
}

// Backoff returns the delay after attempt n (1-based):
// InitialDelay*Multiplier^(n-1), capped at MaxDelay.
func (r *Retry) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(n-1))
	if d > float64(r.cfg.MaxDelay) || math.IsInf(d, 0) {
		return r.cfg.MaxDelay
	}
	return time.Duration(d)
}

// MaxAttempts is MaxRetries+1.
func (r *Retry) MaxAttempts() int { return r.cfg.MaxRetries + 1 }

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx ends. The last error is returned.
func (r *Retry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	max := r.MaxAttempts()
	return retry.Do(
		func() error {
			attempt++
			err := fn(ctx)
			if r.cfg.Observer != nil {
				a := Attempt{Backend: r.backend, Number: attempt, Err: err}
				if err != nil && attempt < max && r.cfg.RetryIf(err) {
					a.NextDelay = r.Backoff(attempt)
				}
				r.cfg.Observer(a)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(max)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			// n is zero-based: n=0 is the wait after the first attempt
			return r.Backoff(int(n) + 1)
		}),
		retry.MaxDelay(r.cfg.MaxDelay),
		retry.RetryIf(r.cfg.RetryIf),
		retry.LastErrorOnly(true),
	)
}
