package governance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fastConfig(maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestExecuteWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	rp := NewRetryPolicy(fastConfig(3))

	calls := 0
	status, err := rp.ExecuteWithRetry(context.Background(), http.MethodGet, func() (int, error) {
		calls++
		if calls < 3 {
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetry_Exhausted(t *testing.T) {
	rp := NewRetryPolicy(fastConfig(2))

	calls := 0
	boom := errors.New("connection refused")
	_, err := rp.ExecuteWithRetry(context.Background(), http.MethodGet, func() (int, error) {
		calls++
		return 0, boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetry_NonRetryableReturnedAsIs(t *testing.T) {
	rp := NewRetryPolicy(fastConfig(5))

	calls := 0
	status, err := rp.ExecuteWithRetry(context.Background(), http.MethodGet, func() (int, error) {
		calls++
		return http.StatusNotFound, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetry_PostIsNotRetried(t *testing.T) {
	rp := NewRetryPolicy(fastConfig(5))

	calls := 0
	status, err := rp.ExecuteWithRetry(context.Background(), http.MethodPost, func() (int, error) {
		calls++
		return http.StatusServiceUnavailable, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := fastConfig(3)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	rp := NewRetryPolicy(cfg, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rp.ExecuteWithRetry(ctx, http.MethodGet, func() (int, error) {
			return http.StatusBadGateway, nil
		})
		done <- err
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestSleep_UsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rp := NewRetryPolicy(DefaultRetryConfig(), WithClock(clock))

	done := make(chan error, 1)
	go func() { done <- rp.Sleep(context.Background(), time.Minute) }()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Minute)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not return after clock advance")
	}
}

func TestCalculateBackoff_Bounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultRetryConfig()
		cfg.InitialBackoff = time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "initial"))
		cfg.MaxBackoff = time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(t, "max"))
		cfg.BackoffMultiplier = rapid.Float64Range(1, 4).Draw(t, "mult")
		cfg.Jitter = rapid.Bool().Draw(t, "jitter")
		rp := NewRetryPolicy(cfg)

		attempt := rapid.IntRange(0, 64).Draw(t, "attempt")
		backoff := rp.CalculateBackoff(attempt)

		if backoff <= 0 {
			t.Fatalf("backoff must be positive, got %v", backoff)
		}
		limit := cfg.MaxBackoff + cfg.MaxBackoff/4
		if backoff > limit {
			t.Fatalf("backoff %v exceeds limit %v", backoff, limit)
		}
	})
}
