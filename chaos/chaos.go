// Package chaos injects latency and entity API failures into fetches,
// for exercising throttling, backoff and circuit breaking without a real backend outage.
package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
)

// StatusError is an injected entity API failure
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chaos: injected %d %s", e.Status, http.StatusText(e.Status))
}

// StatusCode returns the injected HTTP status
func (e *StatusError) StatusCode() int {
	return e.Status
}

// ChaosConfig holds configuration for chaos injection
type ChaosConfig struct {
	// Latency injection
	LatencyEnabled     bool
	LatencyMin         time.Duration
	LatencyMax         time.Duration
	LatencyProbability float64

	// Error injection
	ErrorEnabled     bool
	ErrorStatuses    []int
	ErrorProbability float64

	// Fetch deadline simulation
	TimeoutEnabled     bool
	TimeoutDuration    time.Duration
	TimeoutProbability float64

	// Only inject into these resources; empty means all
	Resources map[string]bool

	// Conditional enabling
	EnableCondition func() bool
}

// ChaosOption is a functional option for chaos configuration
type ChaosOption func(*ChaosConfig)

// WithLatency enables latency injection
func WithLatency(min, max time.Duration, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.LatencyEnabled = true
		c.LatencyMin = min
		c.LatencyMax = max
		c.LatencyProbability = probability
	}
}

// WithErrors enables error injection. With no statuses, 429 and 503 are used.
func WithErrors(statuses []int, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.ErrorEnabled = true
		c.ErrorStatuses = statuses
		c.ErrorProbability = probability
	}
}

// WithTimeout shortens the fetch deadline for a share of calls
func WithTimeout(duration time.Duration, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.TimeoutEnabled = true
		c.TimeoutDuration = duration
		c.TimeoutProbability = probability
	}
}

// WithResources restricts chaos to the named resources
func WithResources(names ...string) ChaosOption {
	return func(c *ChaosConfig) {
		if c.Resources == nil {
			c.Resources = make(map[string]bool)
		}
		for _, name := range names {
			c.Resources[name] = true
		}
	}
}

// WithCondition sets a condition for enabling chaos
func WithCondition(condition func() bool) ChaosOption {
	return func(c *ChaosConfig) {
		c.EnableCondition = condition
	}
}

// New creates a chaos middleware
func New(opts ...ChaosOption) guardian.Middleware {
	config := &ChaosConfig{
		EnableCondition: func() bool { return true },
	}

	for _, opt := range opts {
		opt(config)
	}

	if len(config.ErrorStatuses) == 0 {
		config.ErrorStatuses = []int{http.StatusTooManyRequests, http.StatusServiceUnavailable}
	}

	return func(ctx context.Context, call *guardian.Call, next guardian.Fetch) (interface{}, error) {
		if !config.EnableCondition() {
			return next(ctx, call)
		}

		if len(config.Resources) > 0 && !config.Resources[call.ResourceName()] {
			return next(ctx, call)
		}

		if config.LatencyEnabled && shouldInject(config.LatencyProbability) {
			delay := randomDuration(config.LatencyMin, config.LatencyMax)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if config.ErrorEnabled && shouldInject(config.ErrorProbability) {
			status := config.ErrorStatuses[rand.Intn(len(config.ErrorStatuses))]
			return nil, &StatusError{Status: status}
		}

		if config.TimeoutEnabled && shouldInject(config.TimeoutProbability) {
			newCtx, cancel := context.WithTimeout(ctx, config.TimeoutDuration)
			defer cancel()
			return next(newCtx, call)
		}

		return next(ctx, call)
	}
}

// LatencyInjector creates latency injection middleware
func LatencyInjector(min, max time.Duration, probability float64) guardian.Middleware {
	return New(WithLatency(min, max, probability))
}

// ErrorInjector creates error injection middleware
func ErrorInjector(statuses []int, probability float64) guardian.Middleware {
	return New(WithErrors(statuses, probability))
}

func shouldInject(probability float64) bool {
	return rand.Float64() < probability
}

// randomDuration returns a random duration between min and max
func randomDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Presets for common entity API failure scenarios

// QuotaExhausted answers 429 for a share of fetches
func QuotaExhausted(probability float64) guardian.Middleware {
	return ErrorInjector([]int{http.StatusTooManyRequests}, probability)
}

// FlakyBackend simulates a slow backend that sometimes fails
func FlakyBackend(probability float64) guardian.Middleware {
	return New(
		WithLatency(50*time.Millisecond, 500*time.Millisecond, probability),
		WithErrors([]int{http.StatusBadGateway, http.StatusServiceUnavailable}, probability/2),
	)
}

// Overloaded simulates an overloaded backend
func Overloaded(probability float64) guardian.Middleware {
	return New(
		WithLatency(1*time.Second, 5*time.Second, probability),
		WithErrors([]int{http.StatusTooManyRequests, http.StatusServiceUnavailable}, probability/2),
	)
}
