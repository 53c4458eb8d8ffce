// Package guardian provides a read-through TTL cache and client-side rate
// limiting for calls to a remote entity API.
package guardian

import (
	"context"
)

// Fetch performs the underlying entity API call described by call
type Fetch func(ctx context.Context, call *Call) (interface{}, error)

// Middleware wraps the underlying fetch. It only runs on cache misses.
type Middleware func(ctx context.Context, call *Call, next Fetch) (interface{}, error)

// Chain represents a chain of fetch middleware
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Append adds middleware to the end of the chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Prepend adds middleware to the beginning of the chain
func (c *Chain) Prepend(middlewares ...Middleware) *Chain {
	c.middlewares = append(middlewares, c.middlewares...)
	return c
}

// Len returns the number of middleware in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Then wraps fetch with the chain. The first middleware is the outermost.
func (c *Chain) Then(fetch Fetch) Fetch {
	current := fetch

	// Apply middleware in reverse order so they execute in the correct order
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		middleware := c.middlewares[i]
		next := current

		current = func(ctx context.Context, call *Call) (interface{}, error) {
			return middleware(ctx, call, next)
		}
	}

	return current
}

// ChainMiddleware creates a single middleware from several
func ChainMiddleware(middlewares ...Middleware) Middleware {
	return func(ctx context.Context, call *Call, next Fetch) (interface{}, error) {
		return NewChain(middlewares...).Then(next)(ctx, call)
	}
}
