package guardian

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Retry re-runs a cached call that ended in ErrRateLimitExceeded.
// CachedCall never retries on its own; callers opt in with Retry.Do.
type Retry struct {
	maxAttempts       int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            bool
	retryIf           func(err error) bool
	onRetry           func(attempt int, err error, nextBackoff time.Duration)
}

// RetryOption configures a Retry
type RetryOption func(*Retry)

// WithMaxAttempts sets the maximum number of attempts
// Default: 3
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithInitialBackoff sets the initial backoff duration
// Default: 500ms
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.initialBackoff = d
		}
	}
}

// WithMaxBackoff sets the maximum backoff duration
// Default: 10s
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

// WithBackoffMultiplier sets the exponential backoff multiplier
// Default: 2.0
func WithBackoffMultiplier(m float64) RetryOption {
	return func(r *Retry) {
		if m > 1.0 {
			r.backoffMultiplier = m
		}
	}
}

// WithJitter randomizes each backoff between zero and its computed value
// Default: true
func WithJitter(enabled bool) RetryOption {
	return func(r *Retry) {
		r.jitter = enabled
	}
}

// WithRetryIf replaces the retry predicate
func WithRetryIf(fn func(err error) bool) RetryOption {
	return func(r *Retry) {
		if fn != nil {
			r.retryIf = fn
		}
	}
}

// WithOnRetry sets a callback invoked before each retry
func WithOnRetry(callback func(attempt int, err error, nextBackoff time.Duration)) RetryOption {
	return func(r *Retry) {
		r.onRetry = callback
	}
}

// NewRetry creates a Retry that only retries rate limit errors
func NewRetry(opts ...RetryOption) *Retry {
	r := &Retry{
		maxAttempts:       3,
		initialBackoff:    500 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            true,
		retryIf: func(err error) bool {
			return errors.Is(err, ErrRateLimitExceeded)
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done
func (r *Retry) Do(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !r.retryIf(err) {
			return nil, err
		}

		if attempt >= r.maxAttempts {
			break
		}

		backoff := r.calculateBackoff(attempt)

		if r.onRetry != nil {
			r.onRetry(attempt, err, backoff)
		}

		if err := sleepContext(ctx, backoff); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

// calculateBackoff returns initialBackoff * multiplier^(attempt-1), capped
// at maxBackoff, optionally jittered
func (r *Retry) calculateBackoff(attempt int) time.Duration {
	backoff := float64(r.initialBackoff) * math.Pow(r.backoffMultiplier, float64(attempt-1))

	if backoff > float64(r.maxBackoff) {
		backoff = float64(r.maxBackoff)
	}

	if r.jitter {
		backoff = rand.Float64() * backoff
	}

	return time.Duration(backoff)
}
