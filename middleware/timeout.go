package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
)

// ErrFetchTimeout is returned when a fetch exceeds its deadline
var ErrFetchTimeout = errors.New("entity fetch timed out")

// TimeoutConfig holds configuration for timeout middleware
type TimeoutConfig struct {
	Timeout     time.Duration
	OnTimeout   func(resource string, operation guardian.Operation, timeout time.Duration)
	PerResource map[string]time.Duration
}

// TimeoutOption is a functional option for timeout configuration
type TimeoutOption func(*TimeoutConfig)

// WithTimeout sets the default timeout duration
func WithTimeout(timeout time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.Timeout = timeout
	}
}

// WithTimeoutCallback sets a callback function when timeout occurs
func WithTimeoutCallback(callback func(resource string, operation guardian.Operation, timeout time.Duration)) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.OnTimeout = callback
	}
}

// WithPerResourceTimeout sets resource-specific timeout durations
func WithPerResourceTimeout(timeouts map[string]time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.PerResource = timeouts
	}
}

// Timeout creates a middleware that bounds each fetch.
// Default timeout is 10 seconds if not specified.
func Timeout(opts ...TimeoutOption) guardian.Middleware {
	// Default configuration
	config := &TimeoutConfig{
		Timeout:     10 * time.Second,
		PerResource: make(map[string]time.Duration),
	}

	// Apply options
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, call *guardian.Call, next guardian.Fetch) (interface{}, error) {
		name := call.ResourceName()

		timeout := config.Timeout
		if resourceTimeout, ok := config.PerResource[name]; ok {
			timeout = resourceTimeout
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			resp interface{}
			err  error
		}
		resultChan := make(chan result, 1)

		// The fetch may outlive the deadline; its result is then dropped
		go func() {
			resp, err := next(ctx, call)
			resultChan <- result{resp: resp, err: err}
		}()

		select {
		case res := <-resultChan:
			return res.resp, res.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			if config.OnTimeout != nil {
				config.OnTimeout(name, call.Operation, timeout)
			}
			return nil, fmt.Errorf("%w: %s %s after %v", ErrFetchTimeout, name, call.Operation, timeout)
		}
	}
}
