// Package cache provides the TTL cache used to deduplicate entity API reads
package cache

import (
	"time"
)

// Stats holds cache statistics
type Stats struct {
	Hits          uint64  // Number of cache hits
	Misses        uint64  // Number of cache misses
	Sets          uint64  // Number of cache sets
	Invalidations uint64  // Number of entries removed by Invalidate
	Expirations   uint64  // Number of entries lazily removed after expiry
	Size          int     // Current number of items in cache
	HitRate       float64 // Cache hit rate (0.0 - 1.0)
}

// Entry represents a cached entity API result
type Entry struct {
	Value     interface{} // Cached value
	ExpiresAt time.Time   // Expiration time
	CreatedAt time.Time   // Creation time
}

// IsExpiredAt reports whether the entry is stale at the given moment.
// An entry stays valid up to and including ExpiresAt.
func (e *Entry) IsExpiredAt(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
