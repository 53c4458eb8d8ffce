package guardian

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entity-guardian/entity-guardian/pkg/cache"
	"github.com/entity-guardian/entity-guardian/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// countingResource is a Mutator stub that counts calls
type countingResource struct {
	name    string
	calls   atomic.Int32
	delay   time.Duration
	err     error
	lastArg []interface{}
	mu      sync.Mutex
	writes  int
}

func (r *countingResource) Name() string {
	return r.name
}

func (r *countingResource) respond(ctx context.Context, result interface{}) (interface{}, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return result, nil
}

func (r *countingResource) List(ctx context.Context, args ...interface{}) (interface{}, error) {
	r.mu.Lock()
	r.lastArg = args
	r.mu.Unlock()
	return r.respond(ctx, []string{r.name + "-1", r.name + "-2"})
}

func (r *countingResource) Filter(ctx context.Context, criteria interface{}) (interface{}, error) {
	return r.respond(ctx, []interface{}{criteria})
}

func (r *countingResource) Get(ctx context.Context, id interface{}) (interface{}, error) {
	return r.respond(ctx, map[string]interface{}{"id": id})
}

func (r *countingResource) Create(ctx context.Context, data interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	return data, nil
}

func (r *countingResource) Update(ctx context.Context, id interface{}, data interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	return data, nil
}

func (r *countingResource) Delete(ctx context.Context, id interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	return nil
}

// sleepRecorder replaces the client's sleep with an instant, recorded one
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func newTestClient(opts ...Option) (*Client, *sleepRecorder) {
	rec := &sleepRecorder{}
	c := New(opts...)
	c.sleep = rec.sleep
	return c, rec
}

func TestClient_CachedCall_MissThenHit(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead"}
	ctx := context.Background()

	first, err := client.CachedCall(ctx, leads, OpList, []interface{}{"-created_date", 50})
	require.NoError(t, err)

	second, err := client.CachedCall(ctx, leads, OpList, []interface{}{"-created_date", 50})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), leads.calls.Load(), "second call should be served from cache")
	assert.Equal(t, []interface{}{"-created_date", 50}, leads.lastArg)

	// Different params miss
	_, err = client.CachedCall(ctx, leads, OpList, []interface{}{"-created_date", 10})
	require.NoError(t, err)
	assert.Equal(t, int32(2), leads.calls.Load())
}

func TestClient_CachedCall_ListWithoutArray(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead"}

	_, err := client.CachedCall(context.Background(), leads, OpList, map[string]interface{}{"sort": "name"})
	require.NoError(t, err)
	assert.Empty(t, leads.lastArg, "non-array params call List with no arguments")
}

func TestClient_CachedCall_ResourcesDoNotCollide(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead"}
	proposals := &countingResource{name: "Proposal"}
	ctx := context.Background()

	l, err := client.Get(ctx, leads, "1")
	require.NoError(t, err)
	p, err := client.Get(ctx, proposals, "1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), leads.calls.Load())
	assert.Equal(t, int32(1), proposals.calls.Load())
	assert.Equal(t, l, p, "same payload shape, but both were fetched")
}

func TestClient_CachedCall_TTLExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	client, _ := newTestClient(
		WithCache(cache.NewMemoryCache(&cache.MemoryConfig{TTL: time.Minute, Now: clock})),
	)
	docs := &countingResource{name: "Document"}
	ctx := context.Background()

	_, _ = client.Get(ctx, docs, "doc-1")
	_, _ = client.Get(ctx, docs, "doc-1")
	assert.Equal(t, int32(1), docs.calls.Load())

	now = now.Add(time.Minute + time.Second)

	_, _ = client.Get(ctx, docs, "doc-1")
	assert.Equal(t, int32(2), docs.calls.Load(), "expired entry must be refetched")
}

func TestClient_CacheHitBypassesLimiter(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(ratelimit.WithMaxRequests(2), ratelimit.WithWindow(time.Hour))
	client, rec := newTestClient(WithLimiter(limiter))
	leads := &countingResource{name: "Lead"}

	// Pre-populate the cache for the key the call will use
	key, err := cache.NewDefaultKeyGenerator().GenerateKey("Lead", "filter", map[string]interface{}{"status": "new"})
	require.NoError(t, err)
	client.Cache().Set(key, "cached leads")

	// Fill the window so any admission check would fail
	require.True(t, limiter.CanMakeRequest())
	require.True(t, limiter.CanMakeRequest())
	require.False(t, limiter.CanMakeRequest())

	resp, err := client.Filter(context.Background(), leads, map[string]interface{}{"status": "new"})
	require.NoError(t, err)
	assert.Equal(t, "cached leads", resp)
	assert.Equal(t, int32(0), leads.calls.Load(), "fetch must not run on a hit")
	assert.Empty(t, rec.recorded(), "no throttling sleep on a hit")
	assert.Equal(t, 2, limiter.Len(), "hit must not be recorded by the limiter")
}

func TestClient_ThrottleWhenWindowFull(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewSlidingWindow(
		ratelimit.WithMaxRequests(1),
		ratelimit.WithWindow(time.Second),
		ratelimit.WithClock(func() time.Time { return now }),
	)
	client, rec := newTestClient(WithLimiter(limiter))
	leads := &countingResource{name: "Lead"}
	ctx := context.Background()

	_, err := client.Get(ctx, leads, "1")
	require.NoError(t, err)

	now = now.Add(400 * time.Millisecond)

	// Window is full: the call sleeps for the advised wait, then proceeds anyway
	_, err = client.Get(ctx, leads, "2")
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{600 * time.Millisecond}, rec.recorded())
	assert.Equal(t, int32(2), leads.calls.Load())
}

func TestClient_ThrottleWaitIsCapped(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(ratelimit.WithMaxRequests(1), ratelimit.WithWindow(time.Hour))
	client, rec := newTestClient(WithLimiter(limiter))
	leads := &countingResource{name: "Lead"}

	_, _ = client.Get(context.Background(), leads, "1")
	_, err := client.Get(context.Background(), leads, "2")
	require.NoError(t, err)

	require.Len(t, rec.recorded(), 1)
	assert.Equal(t, DefaultMaxThrottleWait, rec.recorded()[0])
}

func TestClient_ThrottleRealSleep(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(ratelimit.WithMaxRequests(1), ratelimit.WithWindow(time.Hour))
	client := New(WithLimiter(limiter), WithMaxThrottleWait(50*time.Millisecond))
	leads := &countingResource{name: "Lead"}

	_, _ = client.Get(context.Background(), leads, "1")

	start := time.Now()
	_, err := client.Get(context.Background(), leads, "2")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_UnsupportedOperation(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead"}

	_, err := client.CachedCall(context.Background(), leads, "delete", map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedOperation))

	var uoe *UnsupportedOperationError
	require.True(t, errors.As(err, &uoe))
	assert.Equal(t, Operation("delete"), uoe.Operation)

	assert.Equal(t, 0, client.Cache().Len(), "nothing may be cached")
	assert.Equal(t, uint64(0), client.Stats().Sets)
	assert.Equal(t, int32(0), leads.calls.Load())
}

func TestClient_RateLimitedFetch(t *testing.T) {
	client, rec := newTestClient()
	rejection := &httpStatusError{status: 429}
	leads := &countingResource{name: "Lead", err: rejection}

	_, err := client.Filter(context.Background(), leads, map[string]interface{}{"status": "new"})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "Lead", rle.Resource)
	assert.Equal(t, OpFilter, rle.Operation)
	assert.Same(t, rejection, rle.Err)

	assert.Equal(t, []time.Duration{DefaultRateLimitBackoff}, rec.recorded())
	assert.Equal(t, 0, client.Cache().Len(), "a rejected fetch must not be cached")
	assert.Equal(t, int32(1), leads.calls.Load(), "no automatic retry")
}

func TestClient_RateLimitedFetchRealBackoff(t *testing.T) {
	client := New(WithRateLimitBackoff(100 * time.Millisecond))
	leads := &countingResource{name: "Lead", err: &httpStatusError{status: 429}}

	start := time.Now()
	_, err := client.Get(context.Background(), leads, "1")
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestClient_OtherErrorsPropagateUnchanged(t *testing.T) {
	client, rec := newTestClient()
	boom := errors.New("entity API unavailable")
	leads := &countingResource{name: "Lead", err: boom}

	_, err := client.Get(context.Background(), leads, "1")
	assert.Same(t, boom, err)
	assert.Empty(t, rec.recorded())
	assert.Equal(t, 0, client.Cache().Len())
}

func TestClient_BackoffHonoursCancellation(t *testing.T) {
	client := New()
	leads := &countingResource{name: "Lead", err: &httpStatusError{status: 429}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Get(ctx, leads, "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), DefaultRateLimitBackoff)
}

func TestClient_KeyGenerationFailureBypassesCache(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead"}
	unmarshalable := map[string]interface{}{"fn": func() {}}

	_, err := client.Filter(context.Background(), leads, unmarshalable)
	require.NoError(t, err)
	_, err = client.Filter(context.Background(), leads, unmarshalable)
	require.NoError(t, err)

	assert.Equal(t, int32(2), leads.calls.Load())
	assert.Equal(t, 0, client.Cache().Len())
}

func TestClient_ConcurrentMissesStampede(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead", delay: 100 * time.Millisecond}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.Get(context.Background(), leads, "1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), leads.calls.Load(), "without single-flight every miss fetches")
}

func TestClient_SingleFlight(t *testing.T) {
	client, _ := newTestClient(WithSingleFlight())
	leads := &countingResource{name: "Lead", delay: 50 * time.Millisecond}

	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = client.Get(context.Background(), leads, "1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), leads.calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

// slowLeads answers Get after delay unless its ctx is cancelled first
func slowLeads(delay time.Duration, calls *atomic.Int32) *ResourceFuncs {
	return &ResourceFuncs{
		ResourceName: "Lead",
		GetFunc: func(ctx context.Context, id interface{}) (interface{}, error) {
			calls.Add(1)
			select {
			case <-time.After(delay):
				return map[string]interface{}{"id": id}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestClient_AbandonedCallStillPopulatesCache(t *testing.T) {
	client, _ := newTestClient()
	var calls atomic.Int32
	leads := slowLeads(200*time.Millisecond, &calls)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Get(ctx, leads, "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "caller returns when its ctx is done")

	assert.Eventually(t, func() bool {
		return client.Cache().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	value, err := client.Get(context.Background(), leads, "1")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": "1"}, value)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_SingleFlightFollowerHonoursOwnContext(t *testing.T) {
	client, _ := newTestClient(WithSingleFlight())
	var calls atomic.Int32
	leads := slowLeads(300*time.Millisecond, &calls)

	leaderDone := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), leads, "1")
		leaderDone <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	value, err := client.Get(ctx, leads, "1")
	assert.Nil(t, value)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	require.NoError(t, <-leaderDone)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, client.Cache().Len())
}

func TestClient_SingleFlightLeaderCancellationDoesNotFailFollowers(t *testing.T) {
	client, _ := newTestClient(WithSingleFlight())
	var calls atomic.Int32
	leads := slowLeads(100*time.Millisecond, &calls)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := client.Get(leaderCtx, leads, "1")
		leaderDone <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	followerDone := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), leads, "1")
		followerDone <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderDone, context.Canceled)
	assert.NoError(t, <-followerDone)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_MutationsInvalidate(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead"}
	proposals := &countingResource{name: "Proposal"}
	ctx := context.Background()

	_, _ = client.List(ctx, leads)
	_, _ = client.Filter(ctx, leads, map[string]interface{}{"status": "new"})
	_, _ = client.List(ctx, proposals)
	require.Equal(t, 3, client.Cache().Len())

	_, err := client.Create(ctx, leads, map[string]interface{}{"name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.Cache().Len(), "only Proposal reads survive")

	_, _ = client.List(ctx, leads)
	assert.Equal(t, int32(3), leads.calls.Load(), "list, filter, then list again after invalidation")

	_, err = client.Update(ctx, leads, "1", map[string]interface{}{"name": "Acme Inc"})
	require.NoError(t, err)
	require.NoError(t, client.Delete(ctx, proposals, "p1"))
	assert.Equal(t, 0, client.Cache().Len())
	assert.Equal(t, 2, leads.writes)
}

func TestClient_ListKeyMatchesEmptyArray(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead"}

	_, err := client.List(context.Background(), leads)
	require.NoError(t, err)
	assert.True(t, client.Cache().Contains("Lead_list_[]"))
}

func TestClient_InvalidateAndClear(t *testing.T) {
	client, _ := newTestClient()
	ctx := context.Background()

	_, _ = client.List(ctx, &countingResource{name: "Lead"})
	_, _ = client.List(ctx, &countingResource{name: "Company"})

	assert.Equal(t, 1, client.Invalidate("Company"))
	assert.Equal(t, 1, client.Cache().Len())

	assert.Equal(t, 1, client.Clear())
	assert.Equal(t, 0, client.Cache().Len())
}

func TestClient_ClearCountsUnderConcurrentWrites(t *testing.T) {
	client, _ := newTestClient()
	leads := &countingResource{name: "Lead"}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				_, _ = client.Get(context.Background(), leads, i)
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)

	removed := 0
	for i := 0; i < 50; i++ {
		removed += client.Clear()
	}
	close(stop)
	wg.Wait()
	removed += client.Clear()

	assert.Equal(t, client.Stats().Sets, uint64(removed), "every stored entry is counted by exactly one Clear")
}

func TestClient_MiddlewareRunsOnlyOnMiss(t *testing.T) {
	var runs atomic.Int32
	counter := func(ctx context.Context, call *Call, next Fetch) (interface{}, error) {
		runs.Add(1)
		assert.NotEmpty(t, call.Key)
		return next(ctx, call)
	}

	client, _ := newTestClient(WithMiddleware(counter))
	leads := &countingResource{name: "Lead"}

	_, _ = client.Get(context.Background(), leads, "1")
	_, _ = client.Get(context.Background(), leads, "1")

	assert.Equal(t, int32(1), runs.Load())
}

func TestClient_LogsThrottleAndBackoff(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	limiter := ratelimit.NewSlidingWindow(ratelimit.WithMaxRequests(1), ratelimit.WithWindow(time.Hour))
	client, _ := newTestClient(WithLogger(zap.New(core)), WithLimiter(limiter))
	ctx := context.Background()

	_, _ = client.Get(ctx, &countingResource{name: "Lead"}, "1")
	_, _ = client.Get(ctx, &countingResource{name: "Lead", err: &httpStatusError{status: 429}}, "2")

	assert.Equal(t, 1, logs.FilterMessage("rate limit window full, throttling call").Len())
	assert.Equal(t, 1, logs.FilterMessage("entity API rejected call with rate limit, backing off").Len())
}
