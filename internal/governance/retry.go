package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrMaxRetriesExceeded wraps the last outcome once every attempt failed.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig shapes the backoff used while the composed services come up.
type RetryConfig struct {
	// MaxRetries counts attempts after the first one.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds up to a quarter of the delay at random.
	Jitter bool
	// RetryStatuses lists the response codes worth another attempt. Nil
	// selects the gateway and overload codes a starting container returns.
	RetryStatuses []int
}

func defaultRetryStatuses() []int {
	return []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
}

// DefaultRetryConfig allows three retries, 100ms doubling up to 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy determines if and when an operation should be retried.
type RetryPolicy struct {
	config   RetryConfig
	statuses map[int]bool
	clock    clockwork.Clock
}

// Option customises a RetryPolicy.
type Option func(*RetryPolicy)

// WithClock replaces the wall clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(rp *RetryPolicy) {
		rp.clock = clock
	}
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig, opts ...Option) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryStatuses == nil {
		config.RetryStatuses = defaultRetryStatuses()
	}

	rp := &RetryPolicy{
		config:   config,
		statuses: make(map[int]bool, len(config.RetryStatuses)),
		clock:    clockwork.NewRealClock(),
	}
	for _, code := range config.RetryStatuses {
		rp.statuses[code] = true
	}
	for _, opt := range opts {
		opt(rp)
	}
	return rp
}

// ShouldRetry determines if a request should be retried based on method and error.
func (rp *RetryPolicy) ShouldRetry(method string, statusCode int, err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	return rp.retryable(method, statusCode, err)
}

func (rp *RetryPolicy) retryable(method string, statusCode int, err error) bool {
	if !IsIdempotent(method) {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if statusCode > 0 {
		return rp.statuses[statusCode]
	}
	return false
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	raw := float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt))
	backoff := rp.config.MaxBackoff
	if raw < float64(rp.config.MaxBackoff) {
		backoff = time.Duration(raw)
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// Sleep waits for d on the policy clock, returning early on cancellation.
func (rp *RetryPolicy) Sleep(ctx context.Context, d time.Duration) error {
	timer := rp.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// ExecuteWithRetry executes fn until it reports a 2xx status or a
// non-retryable outcome, which are returned as is. When every attempt ends
// in a retryable outcome the result wraps ErrMaxRetriesExceeded.
func (rp *RetryPolicy) ExecuteWithRetry(
	ctx context.Context,
	method string,
	fn func() (int, error),
) (int, error) {
	var lastErr error
	var statusCode int

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		statusCode, lastErr = fn()
		if lastErr == nil && statusCode >= 200 && statusCode < 300 {
			return statusCode, nil
		}

		if !rp.retryable(method, statusCode, lastErr) {
			return statusCode, lastErr
		}
		if attempt >= rp.config.MaxRetries {
			break
		}

		if err := rp.Sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
			return 0, err
		}
	}

	if lastErr != nil {
		return statusCode, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
	}
	return statusCode, fmt.Errorf("%w: last status %d", ErrMaxRetriesExceeded, statusCode)
}

// IsIdempotent reports whether method may be replayed safely. POST is not:
// the data service would create a second object.
func IsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}
