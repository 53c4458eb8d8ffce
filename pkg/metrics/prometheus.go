package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// allResources replaces the resource label when per-resource metrics are off
const allResources = "all"

// PrometheusCollector implements Collector for Prometheus
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Cache metrics
	cacheRequests *prometheus.CounterVec
	cacheEntries  prometheus.Gauge

	// Throttling metrics
	throttleTotal *prometheus.CounterVec
	throttleWait  prometheus.Histogram
	backoffTotal  *prometheus.CounterVec

	// Fetch metrics
	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	registry := prometheus.NewRegistry()
	collector := &PrometheusCollector{
		config:   config,
		registry: registry,
	}

	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// initMetrics initializes all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	p.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_requests_total",
			Help:        "Total number of cache lookups by result",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"resource", "operation", "result"},
	)

	p.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_entries",
			Help:        "Number of entries currently held in the cache",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.throttleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "throttle_total",
			Help:        "Total number of calls delayed by the local rate limiter",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"resource"},
	)

	p.throttleWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "throttle_wait_seconds",
			Help:        "Histogram of local throttling sleeps in seconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.backoffTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "backoff_total",
			Help:        "Total number of backoffs after the entity API returned 429",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"resource"},
	)

	p.fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "fetch_total",
			Help:        "Total number of underlying entity API fetches",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"resource", "operation", "outcome"},
	)

	if p.config.EnableHistogram {
		p.fetchDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        "fetch_duration_seconds",
				Help:        "Histogram of underlying fetch duration in seconds",
				Buckets:     p.config.HistogramBuckets,
				ConstLabels: p.config.ConstLabels,
			},
			[]string{"resource", "operation"},
		)
	}

	// Register all metrics
	p.registry.MustRegister(
		p.cacheRequests,
		p.cacheEntries,
		p.throttleTotal,
		p.throttleWait,
		p.backoffTotal,
		p.fetchTotal,
	)

	if p.config.EnableHistogram {
		p.registry.MustRegister(p.fetchDuration)
	}

	return nil
}

// resourceLabel returns the label value for a resource
func (p *PrometheusCollector) resourceLabel(resource string) string {
	if !p.config.EnablePerResourceMetrics {
		return allResources
	}
	return resource
}

// RecordCacheResult records a cache lookup
func (p *PrometheusCollector) RecordCacheResult(resource, operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheRequests.WithLabelValues(p.resourceLabel(resource), operation, result).Inc()
}

// SetCacheEntries updates the cache size gauge
func (p *PrometheusCollector) SetCacheEntries(n int) {
	p.cacheEntries.Set(float64(n))
}

// RecordThrottle records a throttling sleep
func (p *PrometheusCollector) RecordThrottle(resource string, wait time.Duration) {
	p.throttleTotal.WithLabelValues(p.resourceLabel(resource)).Inc()
	p.throttleWait.Observe(wait.Seconds())
}

// RecordBackoff records a backoff after a 429
func (p *PrometheusCollector) RecordBackoff(resource string) {
	p.backoffTotal.WithLabelValues(p.resourceLabel(resource)).Inc()
}

// RecordFetch records a completed fetch
func (p *PrometheusCollector) RecordFetch(resource, operation, outcome string, duration time.Duration) {
	label := p.resourceLabel(resource)
	p.fetchTotal.WithLabelValues(label, operation, outcome).Inc()
	if p.config.EnableHistogram {
		p.fetchDuration.WithLabelValues(label, operation).Observe(duration.Seconds())
	}
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}
