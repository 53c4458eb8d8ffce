package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket adapts golang.org/x/time/rate to the Limiter interface.
// It paces calls smoothly instead of counting them per window.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket limiter
// ratePerSec: tokens per second
// burst: maximum burst size
func NewTokenBucket(ratePerSec float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// CanMakeRequest takes a token if one is available
func (t *TokenBucket) CanMakeRequest() bool {
	return t.limiter.Allow()
}

// WaitTime reports the delay until the next token. It reads the bucket
// without reserving, so it never races a concurrent CanMakeRequest.
func (t *TokenBucket) WaitTime() time.Duration {
	tokens := t.limiter.Tokens()
	if tokens >= 1 {
		return 0
	}

	limit := t.limiter.Limit()
	if limit == rate.Inf || limit <= 0 {
		return 0
	}

	return time.Duration((1 - tokens) / float64(limit) * float64(time.Second))
}

// SetRate changes the refill rate
func (t *TokenBucket) SetRate(ratePerSec float64) {
	t.limiter.SetLimit(rate.Limit(ratePerSec))
}
