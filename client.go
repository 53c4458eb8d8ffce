package guardian

import (
	"context"
	"time"

	"github.com/entity-guardian/entity-guardian/pkg/cache"
	"github.com/entity-guardian/entity-guardian/pkg/metrics"
	"github.com/entity-guardian/entity-guardian/pkg/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxThrottleWait caps the sleep when the local window is full
	DefaultMaxThrottleWait = 5 * time.Second

	// DefaultRateLimitBackoff is the pause after the entity API answers 429
	DefaultRateLimitBackoff = 2 * time.Second
)

// Client serves entity API reads through a TTL cache and a rate limiter
type Client struct {
	cache   *cache.MemoryCache
	limiter ratelimit.Limiter
	keyGen  cache.KeyGenerator
	logger  *zap.Logger
	metrics metrics.Collector
	chain   *Chain
	fetch   Fetch

	maxThrottleWait  time.Duration
	rateLimitBackoff time.Duration

	// Coalescing of concurrent misses is opt-in. Without it every
	// concurrent miss for a key performs its own fetch.
	singleFlight bool
	group        singleflight.Group

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client
type Option func(*Client)

// WithCache sets the cache
func WithCache(c *cache.MemoryCache) Option {
	return func(cl *Client) {
		if c != nil {
			cl.cache = c
		}
	}
}

// WithLimiter sets the rate limiter
func WithLimiter(l ratelimit.Limiter) Option {
	return func(cl *Client) {
		if l != nil {
			cl.limiter = l
		}
	}
}

// WithKeyGenerator sets the cache key strategy
func WithKeyGenerator(gen cache.KeyGenerator) Option {
	return func(cl *Client) {
		if gen != nil {
			cl.keyGen = gen
		}
	}
}

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector metrics.Collector) Option {
	return func(cl *Client) {
		if collector != nil {
			cl.metrics = collector
		}
	}
}

// WithMiddleware appends fetch middleware
func WithMiddleware(middlewares ...Middleware) Option {
	return func(cl *Client) {
		cl.chain.Append(middlewares...)
	}
}

// WithMaxThrottleWait caps the throttling sleep
// Default: 5s
func WithMaxThrottleWait(d time.Duration) Option {
	return func(cl *Client) {
		if d >= 0 {
			cl.maxThrottleWait = d
		}
	}
}

// WithRateLimitBackoff sets the pause after a 429 from the entity API
// Default: 2s
func WithRateLimitBackoff(d time.Duration) Option {
	return func(cl *Client) {
		if d >= 0 {
			cl.rateLimitBackoff = d
		}
	}
}

// WithSingleFlight makes concurrent misses for the same key share one fetch.
// The shared fetch carries the first caller's context values but not its
// cancellation, and every caller may stop waiting when its own ctx is done.
func WithSingleFlight() Option {
	return func(cl *Client) {
		cl.singleFlight = true
	}
}

// New creates a client. Without options it uses a 5 minute TTL cache and
// a 50 calls per minute sliding window.
func New(opts ...Option) *Client {
	c := &Client{
		cache:            cache.NewMemoryCache(cache.DefaultMemoryConfig()),
		limiter:          ratelimit.NewSlidingWindow(),
		keyGen:           cache.NewDefaultKeyGenerator(),
		logger:           zap.NewNop(),
		metrics:          metrics.NoopCollector{},
		chain:            NewChain(),
		maxThrottleWait:  DefaultMaxThrottleWait,
		rateLimitBackoff: DefaultRateLimitBackoff,
		sleep:            sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.fetch = c.chain.Then(Dispatch)

	return c
}

// Cache returns the client's cache
func (c *Client) Cache() *cache.MemoryCache {
	return c.cache
}

// Limiter returns the client's rate limiter
func (c *Client) Limiter() ratelimit.Limiter {
	return c.limiter
}

// CachedCall returns a cached result for (resource, op, params) or fetches it.
// Cache hits never consult the limiter. On a miss with a full window the call
// sleeps for the advised wait, capped at the max throttle wait, and then
// proceeds anyway.
func (c *Client) CachedCall(ctx context.Context, resource Resource, op Operation, params interface{}) (interface{}, error) {
	if !op.Valid() {
		return nil, &UnsupportedOperationError{Operation: op}
	}

	name := resource.Name()

	key, err := c.keyGen.GenerateKey(name, string(op), params)
	if err != nil {
		c.logger.Warn("cache key generation failed, bypassing cache",
			zap.String("resource", name),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		key = ""
	}

	if key != "" {
		if value, found := c.cache.Get(key); found {
			c.metrics.RecordCacheResult(name, string(op), true)
			return value, nil
		}
		c.metrics.RecordCacheResult(name, string(op), false)
	}

	call := &Call{
		Resource:  resource,
		Operation: op,
		Params:    params,
		Key:       key,
	}

	if c.singleFlight && key != "" {
		// The shared fetch outlives any single caller; each caller waits on its own ctx
		shared := context.WithoutCancel(ctx)
		ch := c.group.DoChan(key, func() (interface{}, error) {
			return c.fetchAndStore(shared, call)
		})

		select {
		case res := <-ch:
			return res.Val, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return c.fetchAndStore(ctx, call)
}

// List is CachedCall with OpList and positional args
func (c *Client) List(ctx context.Context, resource Resource, args ...interface{}) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}
	return c.CachedCall(ctx, resource, OpList, args)
}

// Filter is CachedCall with OpFilter
func (c *Client) Filter(ctx context.Context, resource Resource, criteria interface{}) (interface{}, error) {
	return c.CachedCall(ctx, resource, OpFilter, criteria)
}

// Get is CachedCall with OpGet
func (c *Client) Get(ctx context.Context, resource Resource, id interface{}) (interface{}, error) {
	return c.CachedCall(ctx, resource, OpGet, id)
}

// fetchAndStore throttles, fetches and populates the cache. The fetch and
// the cache write run to completion under a context detached from ctx's
// cancellation; ctx only bounds how long the caller waits for them.
func (c *Client) fetchAndStore(ctx context.Context, call *Call) (interface{}, error) {
	if err := c.throttle(ctx, call); err != nil {
		return nil, err
	}

	type fetchResult struct {
		value interface{}
		err   error
	}
	done := make(chan fetchResult, 1)

	go func() {
		value, err := c.fetch(context.WithoutCancel(ctx), call)
		if err == nil && call.Key != "" {
			c.cache.Set(call.Key, value)
			c.metrics.SetCacheEntries(c.cache.Len())
		}
		done <- fetchResult{value: value, err: err}
	}()

	var result interface{}
	var err error
	select {
	case res := <-done:
		result, err = res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err != nil {
		if !IsRateLimited(err) {
			return nil, err
		}

		name := call.ResourceName()
		c.metrics.RecordBackoff(name)
		c.logger.Warn("entity API rejected call with rate limit, backing off",
			zap.String("resource", name),
			zap.String("operation", string(call.Operation)),
			zap.Duration("backoff", c.rateLimitBackoff),
			zap.Error(err),
		)

		if sleepErr := c.sleep(ctx, c.rateLimitBackoff); sleepErr != nil {
			return nil, sleepErr
		}

		return nil, &RateLimitError{
			Resource:  name,
			Operation: call.Operation,
			Err:       err,
		}
	}

	return result, nil
}

// throttle sleeps when the limiter refuses the call. It never blocks for
// longer than maxThrottleWait and does not re-check the window afterwards.
func (c *Client) throttle(ctx context.Context, call *Call) error {
	if c.limiter.CanMakeRequest() {
		return nil
	}

	wait := c.limiter.WaitTime()
	if wait > c.maxThrottleWait {
		wait = c.maxThrottleWait
	}

	name := call.ResourceName()
	c.metrics.RecordThrottle(name, wait)
	c.logger.Warn("rate limit window full, throttling call",
		zap.String("resource", name),
		zap.String("operation", string(call.Operation)),
		zap.Duration("wait", wait),
	)

	return c.sleep(ctx, wait)
}

// Invalidate drops every cached read whose key contains pattern
func (c *Client) Invalidate(pattern string) int {
	removed := c.cache.Invalidate(pattern)
	c.metrics.SetCacheEntries(c.cache.Len())

	c.logger.Debug("cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", removed),
	)

	return removed
}

// InvalidateResource drops every cached read of a resource kind
func (c *Client) InvalidateResource(name string) int {
	return c.Invalidate(name)
}

// Clear drops all cached reads and returns how many were dropped
func (c *Client) Clear() int {
	removed := c.cache.Clear()
	c.metrics.SetCacheEntries(0)
	return removed
}

// Stats returns cache statistics
func (c *Client) Stats() cache.Stats {
	return c.cache.Stats()
}

// Create creates a record and invalidates the resource's cached reads
func (c *Client) Create(ctx context.Context, resource Mutator, data interface{}) (interface{}, error) {
	result, err := resource.Create(ctx, data)
	if err != nil {
		return nil, err
	}

	c.InvalidateResource(resource.Name())
	return result, nil
}

// Update updates a record and invalidates the resource's cached reads
func (c *Client) Update(ctx context.Context, resource Mutator, id interface{}, data interface{}) (interface{}, error) {
	result, err := resource.Update(ctx, id, data)
	if err != nil {
		return nil, err
	}

	c.InvalidateResource(resource.Name())
	return result, nil
}

// Delete deletes a record and invalidates the resource's cached reads
func (c *Client) Delete(ctx context.Context, resource Mutator, id interface{}) error {
	if err := resource.Delete(ctx, id); err != nil {
		return err
	}

	c.InvalidateResource(resource.Name())
	return nil
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
