package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

var errDown = errs.FromStatus("vector-search", 503)

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("vector-search", BreakerConfig{FailureThreshold: 3, MonitoringWindow: time.Minute, ResetTimeout: time.Hour}, nil)
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), fail), errDown)
		assert.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(context.Background(), fail), errDown)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	assert.True(t, errs.Is(err, errs.KindCircuitOpen))
	assert.False(t, called)

	s := b.Snapshot()
	assert.EqualValues(t, 1, s.Trips)
	assert.EqualValues(t, 1, s.Rejections)
	assert.False(t, s.OpenedAt.IsZero())
}

func TestBreakerWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker("keyword-search", BreakerConfig{FailureThreshold: 2, MonitoringWindow: time.Second, ResetTimeout: time.Hour}, nil)
	b.now = func() time.Time { return now }

	_ = b.Execute(context.Background(), fail)
	now = now.Add(2 * time.Second)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State(), "first failure fell out of the window")

	now = now.Add(100 * time.Millisecond)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresFilteredErrors(t *testing.T) {
	b := NewBreaker("web-search", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return errs.Validation("query", "empty") })
		assert.True(t, errs.Is(err, errs.KindValidation))
		_ = b.Execute(context.Background(), func(context.Context) error { return errs.FromStatus("web-search", 404) })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b := NewBreaker("vector-search", BreakerConfig{FailureThreshold: 1, ResetTimeout: 40 * time.Millisecond}, nil)
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var trialErr error
	go func() {
		defer wg.Done()
		trialErr = b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return errDown
		})
	}()
	<-started

	// a second caller is rejected while the trial is in flight
	err := b.Execute(context.Background(), ok)
	assert.True(t, errs.Is(err, errs.KindCircuitOpen))

	close(release)
	wg.Wait()
	require.ErrorIs(t, trialErr, errDown)
	assert.Equal(t, StateOpen, b.State(), "failed trial reopens")
	firstReopen := b.Snapshot().OpenedAt

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, b.State())
	assert.EqualValues(t, 2, b.Snapshot().Trips)
	assert.False(t, firstReopen.IsZero())
}

func TestBreakerHardTimeout(t *testing.T) {
	b := NewBreaker("web-search", BreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Millisecond}, nil)
	start := time.Now()
	err := b.Execute(context.Background(), func(context.Context) error {
		time.Sleep(300 * time.Millisecond) // ignores ctx
		return nil
	})
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, errs.Is(err, errs.KindTimeout))
	assert.Equal(t, 1, b.Snapshot().FailuresInWindow)
}

func TestBreakerCallerCancel(t *testing.T) {
	b := NewBreaker("web-search", BreakerConfig{FailureThreshold: 1, Timeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestRetryAttemptsAndDelays(t *testing.T) {
	var attempts []Attempt
	r := NewRetry("embedding-provider", RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     time.Second,
		Observer:     func(a Attempt) { attempts = append(attempts, a) },
	})

	err := r.Do(context.Background(), fail)
	require.ErrorIs(t, err, errDown)
	require.Len(t, attempts, 3)
	assert.Equal(t, time.Millisecond, attempts[0].NextDelay)
	assert.Equal(t, 2*time.Millisecond, attempts[1].NextDelay)
	assert.Equal(t, time.Duration(0), attempts[2].NextDelay)
	assert.Equal(t, 3, attempts[2].Number)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	r := NewRetry("web-search", RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond})
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errs.FromStatus("web-search", 400)
	})
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
	assert.Equal(t, 1, calls)
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	r := NewRetry("web-search", RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond})
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errDown
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffBounds(t *testing.T) {
	r := NewRetry("x", RetryConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 3, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, r.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, r.Backoff(2))
	assert.Equal(t, 900*time.Millisecond, r.Backoff(3))
	assert.Equal(t, time.Second, r.Backoff(4))
	assert.Equal(t, time.Second, r.Backoff(60))
}

func TestGuardCountsRetryLoopOnce(t *testing.T) {
	calls := atomic.NewInt32(0)
	g := NewGuard("vector-search",
		NewBreaker("vector-search", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}, nil),
		NewRetry("vector-search", RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond}),
	)
	_, err := Call(context.Background(), g, func(context.Context) (int, error) {
		calls.Inc()
		return 0, errDown
	})
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, StateClosed, g.Breaker().State())
	assert.Equal(t, 1, g.Snapshot().FailuresInWindow)

	_, _ = Call(context.Background(), g, func(context.Context) (int, error) { return 0, errDown })
	assert.Equal(t, StateOpen, g.Breaker().State())

	calls.Store(0)
	_, err = Call(context.Background(), g, func(context.Context) (int, error) {
		calls.Inc()
		return 1, nil
	})
	assert.True(t, errs.Is(err, errs.KindCircuitOpen))
	assert.EqualValues(t, 0, calls.Load())
}

func TestCallReturnsValue(t *testing.T) {
	g := NewRegistry(config.Default().Resilience).Guard("keyword-search")
	v, err := Call(context.Background(), g, func(context.Context) ([]string, error) { return []string{"a"}, nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, v)
}

func TestRegistrySharesGuards(t *testing.T) {
	var transitions []State
	r := NewRegistry(config.Default().Resilience, WithStateListener(func(_ string, _, to State) {
		transitions = append(transitions, to)
	}))
	assert.Same(t, r.Guard("web-search"), r.Guard("web-search"))
	assert.Equal(t, StateClosed, r.State("never-used"))

	g := r.Guard("web-search")
	g.retry = NewRetry("web-search", RetryConfig{MaxRetries: 0})
	for i := 0; i < 5; i++ {
		_ = g.Do(context.Background(), fail)
	}
	assert.Equal(t, StateOpen, r.State("web-search"))
	assert.Equal(t, []State{StateOpen}, transitions)
	require.Len(t, r.Snapshots(), 1)
}

func TestTrackerAssess(t *testing.T) {
	all := []string{"vector-search", "keyword-search", "web-search"}
	tr := NewTracker(nil, "vector-search", "keyword-search")

	d := tr.Assess(all, nil)
	assert.Equal(t, schema.DegradationNone, d.Level)
	assert.False(t, d.Degraded)

	d = tr.Assess(all, []string{"vector-search"})
	assert.Equal(t, schema.DegradationPartial, d.Level)
	assert.Equal(t, []string{"vector-search"}, d.AffectedBackends)

	d = tr.Assess(all, []string{"vector-search", "keyword-search"})
	assert.Equal(t, schema.DegradationSevere, d.Level)

	d = tr.Assess(all, []string{"web-search", "keyword-search"})
	assert.Equal(t, schema.DegradationSevere, d.Level, "more than half affected")
}

func TestTrackerSeesOpenCircuits(t *testing.T) {
	r := NewRegistry(config.ResilienceConfig{Defaults: config.BackendPolicy{FailureThreshold: 1, ResetTimeoutMs: 3600000}})
	_ = r.Guard("web-search").Breaker().Execute(context.Background(), func(context.Context) error { return errors.New("reset by peer") })

	tr := NewTracker(r, "vector-search", "keyword-search")
	d := tr.Assess([]string{"vector-search", "keyword-search", "web-search"}, nil)
	assert.True(t, d.Degraded)
	assert.Equal(t, schema.DegradationPartial, d.Level)
	assert.Equal(t, []string{"web-search"}, d.AffectedBackends)
}
