package middleware

import (
	"context"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
	"github.com/entity-guardian/entity-guardian/pkg/metrics"
)

// MetricsMiddleware creates a middleware that records fetch count, outcome and duration
func MetricsMiddleware(collector metrics.Collector) guardian.Middleware {
	return func(ctx context.Context, call *guardian.Call, next guardian.Fetch) (interface{}, error) {
		start := time.Now()

		resp, err := next(ctx, call)

		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeError
			if guardian.IsRateLimited(err) {
				outcome = metrics.OutcomeRateLimited
			}
		}

		collector.RecordFetch(call.ResourceName(), string(call.Operation), outcome, time.Since(start))

		return resp, err
	}
}

// Metrics creates a metrics middleware with a new Prometheus collector
func Metrics(opts ...metrics.ConfigOption) guardian.Middleware {
	collector, err := metrics.NewPrometheusCollector(opts...)
	if err != nil {
		panic(err) // Should not happen with valid options
	}

	return MetricsMiddleware(collector)
}
