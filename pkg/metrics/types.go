// Package metrics provides monitoring and metrics collection for cached entity calls
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcomes
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// RecordCacheResult records a cache lookup as a hit or a miss
	RecordCacheResult(resource, operation string, hit bool)

	// SetCacheEntries updates the current number of cached entries
	SetCacheEntries(n int)

	// RecordThrottle records a local throttling sleep
	RecordThrottle(resource string, wait time.Duration)

	// RecordBackoff records a backoff after the entity API rejected a call with 429
	RecordBackoff(resource string)

	// RecordFetch records a completed underlying fetch
	RecordFetch(resource, operation, outcome string, duration time.Duration)

	// GetRegistry returns the prometheus registry
	GetRegistry() *prometheus.Registry
}

// Config holds configuration for metrics collection
type Config struct {
	// Namespace for metrics (e.g., "entity")
	Namespace string

	// Subsystem for metrics (e.g., "guardian")
	Subsystem string

	// Enable histogram buckets for latency distribution
	EnableHistogram bool

	// Custom histogram buckets (in seconds)
	HistogramBuckets []float64

	// Enable per-resource labels
	EnablePerResourceMetrics bool

	// Constant labels to add to all metrics
	ConstLabels map[string]string
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:                "entity",
		Subsystem:                "guardian",
		EnableHistogram:          true,
		EnablePerResourceMetrics: true,
		HistogramBuckets: []float64{
			0.005, // 5ms
			0.01,  // 10ms
			0.025, // 25ms
			0.05,  // 50ms
			0.1,   // 100ms
			0.25,  // 250ms
			0.5,   // 500ms
			1.0,   // 1s
			2.5,   // 2.5s
			5.0,   // 5s
			10.0,  // 10s
		},
		ConstLabels: make(map[string]string),
	}
}

// ConfigOption is a function that configures a Config
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the subsystem for metrics
func WithSubsystem(subsystem string) ConfigOption {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithHistogramBuckets sets custom histogram buckets
func WithHistogramBuckets(buckets []float64) ConfigOption {
	return func(c *Config) {
		c.HistogramBuckets = buckets
	}
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithoutHistogram disables histogram metrics
func WithoutHistogram() ConfigOption {
	return func(c *Config) {
		c.EnableHistogram = false
	}
}

// WithoutPerResourceMetrics collapses the resource label
func WithoutPerResourceMetrics() ConfigOption {
	return func(c *Config) {
		c.EnablePerResourceMetrics = false
	}
}

// NoopCollector discards everything
type NoopCollector struct{}

func (NoopCollector) RecordCacheResult(string, string, bool) {}
func (NoopCollector) SetCacheEntries(int) {}
func (NoopCollector) RecordThrottle(string, time.Duration) {}
func (NoopCollector) RecordBackoff(string) {}
func (NoopCollector) RecordFetch(string, string, string, time.Duration) {}
func (NoopCollector) GetRegistry() *prometheus.Registry { return nil }
