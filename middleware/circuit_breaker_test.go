package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trip forces the breaker open
func trip(cb *CircuitBreaker, now time.Time) {
	cb.mu.Lock()
	cb.transition(StateOpen, now)
	cb.mu.Unlock()
}

func TestCircuitBreakerStateMachine(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(
		WithFailureThreshold(0.5),
		WithOpenTimeout(100*time.Millisecond),
		WithMaxRequests(2),
		WithSuccessThreshold(2),
		WithBreakerClock(clock.Now),
	)

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %v", cb.State())
	}

	// 80% failure rate
	for i := 0; i < 20; i++ {
		epoch, err := cb.admit()
		if err != nil {
			break
		}
		cb.record(epoch, i%5 != 0)
	}

	if cb.State() != StateOpen {
		t.Errorf("Expected state to be open after failures, got %v", cb.State())
	}

	_, err := cb.admit()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}

	clock.Advance(150 * time.Millisecond)

	epoch, err := cb.admit()
	if err != nil {
		t.Fatalf("Expected a probe to be admitted while half-open, got %v", err)
	}

	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %v", cb.State())
	}

	cb.record(epoch, false)
	epoch, _ = cb.admit()
	cb.record(epoch, false)

	if cb.State() != StateClosed {
		t.Errorf("Expected state to be closed after successes, got %v", cb.State())
	}
}

func TestCircuitBreakerNeedsMinimumRequests(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(0.1))

	for i := 0; i < minRequestsToOpen-1; i++ {
		epoch, err := cb.admit()
		require.NoError(t, err)
		cb.record(epoch, true)
	}
	assert.Equal(t, StateClosed, cb.State())

	epoch, err := cb.admit()
	require.NoError(t, err)
	cb.record(epoch, true)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerIntervalResetsTally(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(WithInterval(time.Minute), WithBreakerClock(clock.Now))

	for i := 0; i < minRequestsToOpen-1; i++ {
		epoch, _ := cb.admit()
		cb.record(epoch, true)
	}

	clock.Advance(2 * time.Minute)

	epoch, err := cb.admit()
	require.NoError(t, err)
	cb.record(epoch, true)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.tally.requests)
}

func TestCircuitBreakerHalfOpenLimitsProbes(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(
		WithOpenTimeout(time.Second),
		WithMaxRequests(1),
		WithBreakerClock(clock.Now),
	)

	trip(cb, clock.Now())
	clock.Advance(time.Second)

	_, err := cb.admit()
	require.NoError(t, err)

	_, err = cb.admit()
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(WithOpenTimeout(time.Second), WithBreakerClock(clock.Now))

	trip(cb, clock.Now())
	clock.Advance(time.Second)

	epoch, err := cb.admit()
	require.NoError(t, err)
	cb.record(epoch, true)

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerDropsStaleResults(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(WithOpenTimeout(time.Second), WithBreakerClock(clock.Now))

	epoch, err := cb.admit()
	require.NoError(t, err)

	trip(cb, clock.Now())
	cb.record(epoch, false)

	assert.Equal(t, StateOpen, cb.State())
	assert.Zero(t, cb.tally.successes)
}

func TestCircuitBreakerMiddleware(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(
		WithFailureThreshold(0.5),
		WithOpenTimeout(time.Minute),
		WithBreakerClock(clock.Now),
	)
	mw := cb.Middleware()
	ctx := context.Background()
	call := testCall(guardian.OpList)

	for i := 0; i < 5; i++ {
		resp, err := mw(ctx, call, respond("ok", nil))
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
	}

	unavailable := &statusError{code: 503}
	for i := 0; i < 20 && cb.State() == StateClosed; i++ {
		_, err := mw(ctx, call, respond(nil, unavailable))
		assert.ErrorIs(t, err, unavailable)
	}

	require.Equal(t, StateOpen, cb.State())

	dispatched := false
	_, err := mw(ctx, call, func(ctx context.Context, call *guardian.Call) (interface{}, error) {
		dispatched = true
		return "ok", nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "Lead list")
	assert.False(t, dispatched, "open breaker must not reach the entity API")
}

func TestCircuitBreakerIgnoresRateLimiting(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(0.1))
	mw := cb.Middleware()
	call := testCall(guardian.OpGet)

	for i := 0; i < 30; i++ {
		_, _ = mw(context.Background(), call, respond(nil, &statusError{code: 429}))
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.tally.failures)
	assert.Equal(t, uint32(30), cb.tally.successes)
}

func TestCircuitBreakerStateCallback(t *testing.T) {
	type change struct {
		from State
		to   State
	}
	var changes []change

	clock := newFakeClock()
	cb := NewCircuitBreaker(
		WithOpenTimeout(50*time.Millisecond),
		WithBreakerClock(clock.Now),
		WithOnStateChange(func(from, to State) {
			changes = append(changes, change{from, to})
		}),
	)

	trip(cb, clock.Now())
	clock.Advance(60 * time.Millisecond)

	assert.Equal(t, StateHalfOpen, cb.State())

	require.Len(t, changes, 2)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
	assert.Equal(t, change{StateOpen, StateHalfOpen}, changes[1])
	assert.Equal(t, "half-open", changes[1].to.String())
}

func TestCircuitBreakerIsFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		isFailure bool
	}{
		{"nil error", nil, false},
		{"regular error", errors.New("regular"), true},
		{"server error", &statusError{code: 500}, true},
		{"bad gateway", &statusError{code: 502}, true},
		{"not found", &statusError{code: 404}, false},
		{"rate limited", &statusError{code: 429}, false},
		{"rate limit error", &guardian.RateLimitError{Resource: "Lead", Operation: guardian.OpList}, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"unsupported", &guardian.UnsupportedOperationError{Operation: "count"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := defaultIsFailure(tt.err)
			if result != tt.isFailure {
				t.Errorf("Expected isFailure(%v) = %v, got %v", tt.err, tt.isFailure, result)
			}
		})
	}
}

func TestCircuitBreakerCustomIsFailure(t *testing.T) {
	cb := NewCircuitBreaker(WithIsFailure(func(err error) bool { return err != nil }))
	mw := cb.Middleware()

	for i := 0; i < minRequestsToOpen; i++ {
		_, _ = mw(context.Background(), testCall(guardian.OpGet), respond(nil, &statusError{code: 429}))
	}

	assert.Equal(t, StateOpen, cb.State())
}

func BenchmarkCircuitBreakerClosed(b *testing.B) {
	mw := NewCircuitBreaker().Middleware()
	ctx := context.Background()
	call := testCall(guardian.OpList)
	fetch := respond("ok", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = mw(ctx, call, fetch)
	}
}
