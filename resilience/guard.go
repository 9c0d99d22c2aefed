package resilience

import (
	"context"
	"sync"
)

// Guard wraps one backend: the breaker observes the outcome of the whole retry
// loop, so retries inside one logical call count once, and an open circuit
// short-circuits before any attempt.
type Guard struct {
	name    string
	breaker *Breaker
	retry   *Retry
}

func NewGuard(name string, b *Breaker, r *Retry) *Guard {
	return &Guard{name: name, breaker: b, retry: r}
}

func (g *Guard) Name() string       { return g.name }
func (g *Guard) Breaker() *Breaker  { return g.breaker }
func (g *Guard) Retry() *Retry      { return g.retry }
func (g *Guard) Snapshot() Snapshot { return g.breaker.Snapshot() }

// Do runs fn through breaker and retry.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.retry.Do(ctx, fn)
	})
}

// Call is Do for a function that returns a value. A value produced after the
// guard gave up (hard timeout) is discarded.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu     sync.Mutex
		out    T
		closed bool
	)
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		if !closed {
			out = v
		}
		mu.Unlock()
		return nil
	})
	mu.Lock()
	closed = true
	res := out
	mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}
