// Package ratelimit provides client-side admission control for entity API calls
package ratelimit

import (
	"sync"
	"time"
)

// Limiter decides whether another call may be issued right now
type Limiter interface {
	// CanMakeRequest checks the quota and records the call when admitted
	CanMakeRequest() bool

	// WaitTime is an advisory estimate of how long until a slot frees up
	WaitTime() time.Duration
}

// Config holds configuration for the sliding window limiter
type Config struct {
	MaxRequests int              // Calls admitted per window
	Window      time.Duration    // Trailing window length
	Now         func() time.Time // Clock override, used by tests
}

// DefaultConfig returns the default limiter configuration: 50 calls per minute
func DefaultConfig() *Config {
	return &Config{
		MaxRequests: 50,
		Window:      time.Minute,
		Now:         time.Now,
	}
}

// Option configures a SlidingWindow
type Option func(*Config)

// WithMaxRequests sets the number of calls admitted per window
func WithMaxRequests(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxRequests = n
		}
	}
}

// WithWindow sets the window length
func WithWindow(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Window = d
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}

// SlidingWindow keeps a log of admission timestamps within the trailing window
type SlidingWindow struct {
	mu          sync.Mutex
	timestamps  []time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// NewSlidingWindow creates a sliding window limiter
func NewSlidingWindow(opts ...Option) *SlidingWindow {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	return &SlidingWindow{
		timestamps:  make([]time.Time, 0, config.MaxRequests),
		maxRequests: config.MaxRequests,
		window:      config.Window,
		now:         config.Now,
	}
}

// CanMakeRequest prunes stale timestamps and admits the call if the window
// still has room. A refused call is not recorded.
func (s *SlidingWindow) CanMakeRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)

	if len(s.timestamps) >= s.maxRequests {
		return false
	}

	s.timestamps = append(s.timestamps, now)
	return true
}

// WaitTime returns how long until the oldest tracked call leaves the window
func (s *SlidingWindow) WaitTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.timestamps) == 0 {
		return 0
	}

	wait := s.window - s.now().Sub(s.timestamps[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Len returns the number of tracked timestamps
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timestamps)
}

// MaxRequests returns the configured quota
func (s *SlidingWindow) MaxRequests() int {
	return s.maxRequests
}

// Window returns the configured window length
func (s *SlidingWindow) Window() time.Duration {
	return s.window
}

// prune drops timestamps whose age has reached the window length.
// Timestamps are appended in order, so the survivors are a suffix.
func (s *SlidingWindow) prune(now time.Time) {
	i := 0
	for i < len(s.timestamps) && now.Sub(s.timestamps[i]) >= s.window {
		i++
	}

	if i > 0 {
		s.timestamps = append(s.timestamps[:0], s.timestamps[i:]...)
	}
}
