package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
)

// State is the position of a CircuitBreaker
type State int

const (
	StateClosed   State = iota // fetches pass through
	StateOpen                  // fetches fail without reaching the entity API
	StateHalfOpen              // a few probes test whether the entity API recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when every half-open probe slot is taken
	ErrTooManyRequests = errors.New("circuit breaker probe limit reached")
)

// minRequestsToOpen is the number of fetches observed before the failure ratio is trusted
const minRequestsToOpen = 10

// CircuitBreaker stops dispatching to an entity API that keeps failing.
//
// While closed it counts fetches per interval and opens once at least
// minRequestsToOpen were seen and the failure ratio reaches the threshold.
// After openTimeout it admits maxRequests probes. successThreshold
// consecutive successes close it again and any failed probe reopens it.
type CircuitBreaker struct {
	maxRequests      uint32
	interval         time.Duration
	openTimeout      time.Duration
	failureThreshold float64
	successThreshold uint32
	onStateChange    func(from, to State)
	isFailure        func(err error) bool
	now              func() time.Time

	mu     sync.Mutex
	state  State
	epoch  uint64    // bumped on every transition; results from an older epoch are dropped
	since  time.Time // start of the current state, or of the counting interval while closed
	tally  tally
	probes uint32
}

// tally counts outcomes within one epoch or closed interval
type tally struct {
	requests  uint32
	failures  uint32
	successes uint32 // consecutive
}

func (t tally) failureRatio() float64 {
	if t.requests == 0 {
		return 0
	}
	return float64(t.failures) / float64(t.requests)
}

// CircuitBreakerOption configures a CircuitBreaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxRequests sets how many probes are admitted while half-open
func WithMaxRequests(n uint32) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxRequests = n
	}
}

// WithInterval sets how long failures are counted while closed
func WithInterval(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.interval = d
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing
func WithOpenTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = d
	}
}

// WithFailureThreshold sets the failure ratio that opens the breaker
func WithFailureThreshold(threshold float64) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 && threshold <= 1.0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets the consecutive probe successes needed to close
func WithSuccessThreshold(n uint32) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = n
	}
}

// WithOnStateChange sets a callback run on every transition, under the breaker's lock
func WithOnStateChange(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithIsFailure replaces the error classification
func WithIsFailure(fn func(err error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// WithBreakerClock overrides the time source
func WithBreakerClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxRequests:      1,
		interval:         time.Minute,
		openTimeout:      30 * time.Second,
		failureThreshold: 0.6,
		successThreshold: 1,
		isFailure:        defaultIsFailure,
		now:              time.Now,
	}

	for _, opt := range opts {
		opt(cb)
	}

	cb.since = cb.now()

	return cb
}

// defaultIsFailure counts errors that point at an unhealthy entity API.
// Rate limiting, cancellation and client-side (4xx) rejections do not trip the breaker.
func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}

	if guardian.IsRateLimited(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, guardian.ErrUnsupportedOperation) {
		return false
	}

	var sc guardian.StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() < http.StatusInternalServerError {
		return false
	}

	return true
}

// Middleware returns the breaker as a fetch middleware
func (cb *CircuitBreaker) Middleware() guardian.Middleware {
	return func(ctx context.Context, call *guardian.Call, next guardian.Fetch) (interface{}, error) {
		epoch, err := cb.admit()
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", call.ResourceName(), call.Operation, err)
		}

		resp, err := next(ctx, call)
		cb.record(epoch, cb.isFailure(err))

		return resp, err
	}
}

// State returns the breaker's state, applying any transition that is due
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.advance(cb.now())
}

// admit reserves a fetch slot, returning the epoch it belongs to
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.advance(cb.now()) {
	case StateOpen:
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.maxRequests {
			return cb.epoch, ErrTooManyRequests
		}
		cb.probes++
	}

	cb.tally.requests++
	return cb.epoch, nil
}

// record applies the outcome of a fetch admitted in epoch
func (cb *CircuitBreaker) record(epoch uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.advance(now)
	if epoch != cb.epoch {
		return
	}

	if !failed {
		cb.tally.successes++
		if state == StateHalfOpen && cb.tally.successes >= cb.successThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.tally.failures++
	cb.tally.successes = 0

	switch state {
	case StateHalfOpen:
		cb.transition(StateOpen, now)
	case StateClosed:
		if cb.tally.requests >= minRequestsToOpen && cb.tally.failureRatio() >= cb.failureThreshold {
			cb.transition(StateOpen, now)
		}
	}
}

// advance applies the time-driven changes: a new counting interval while
// closed, and half-open once the open timeout has passed
func (cb *CircuitBreaker) advance(now time.Time) State {
	elapsed := now.Sub(cb.since)

	switch {
	case cb.state == StateClosed && cb.interval > 0 && elapsed > cb.interval:
		cb.tally = tally{}
		cb.since = now
	case cb.state == StateOpen && elapsed >= cb.openTimeout:
		cb.transition(StateHalfOpen, now)
	}

	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.since = now
	cb.epoch++
	cb.tally = tally{}
	cb.probes = 0

	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
