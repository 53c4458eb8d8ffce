package cache

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a fetched result stays servable
const DefaultTTL = 5 * time.Minute

// MemoryCache is an unbounded in-memory TTL cache.
// Expired entries are removed lazily on Get; there is no background sweep
// and no size-based eviction.
type MemoryCache struct {
	mu    sync.Mutex
	data  map[string]*Entry
	ttl   time.Duration
	now   func() time.Time
	stats Stats
}

// MemoryConfig holds configuration for the memory cache
type MemoryConfig struct {
	TTL time.Duration    // Time-to-live applied on every Set
	Now func() time.Time // Clock override, used by tests
}

// DefaultMemoryConfig returns default memory cache configuration
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		TTL: DefaultTTL,
		Now: time.Now,
	}
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(config *MemoryConfig) *MemoryCache {
	if config == nil {
		config = DefaultMemoryConfig()
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &MemoryCache{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  now,
	}
}

// TTL returns the time-to-live applied to new entries
func (m *MemoryCache) TTL() time.Duration {
	return m.ttl
}

// Get returns the value stored under key if it has not expired.
// An expired entry is deleted as a side effect.
func (m *MemoryCache) Get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.data[key]
	if !exists {
		m.stats.Misses++
		m.updateHitRate()
		return nil, false
	}

	if entry.IsExpiredAt(m.now()) {
		delete(m.data, key)
		m.stats.Expirations++
		m.stats.Misses++
		m.updateHitRate()
		return nil, false
	}

	m.stats.Hits++
	m.updateHitRate()

	return entry.Value, true
}

// Set stores value under key, replacing any previous entry
func (m *MemoryCache) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.data[key] = &Entry{
		Value:     value,
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}

	m.stats.Sets++
}

// Invalidate removes every entry whose key contains pattern and
// returns how many were removed
func (m *MemoryCache) Invalidate(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.data {
		if strings.Contains(key, pattern) {
			delete(m.data, key)
			removed++
		}
	}

	m.stats.Invalidations += uint64(removed)

	return removed
}

// Clear removes all values from the cache and returns how many were stored
func (m *MemoryCache) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := len(m.data)
	m.data = make(map[string]*Entry)
	return removed
}

// Len returns the number of stored entries, including expired ones not yet evicted
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.data)
}

// Contains reports whether key is stored, without checking expiry or touching stats
func (m *MemoryCache) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.data[key]
	return ok
}

// Stats returns cache statistics
func (m *MemoryCache) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	statsCopy := m.stats
	statsCopy.Size = len(m.data)
	return statsCopy
}

// updateHitRate calculates the cache hit rate
func (m *MemoryCache) updateHitRate() {
	total := m.stats.Hits + m.stats.Misses
	if total > 0 {
		m.stats.HitRate = float64(m.stats.Hits) / float64(total)
	}
}
