// Package tracing installs an OpenTelemetry tracer provider that exports to Jaeger.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config represents the tracing configuration
type Config struct {
	Enabled           bool              `yaml:"enabled"`
	ServiceName       string            `yaml:"service_name" validate:"required_if=Enabled true"`
	ServiceVersion    string            `yaml:"service_version"`
	Environment       string            `yaml:"environment"`
	CollectorEndpoint string            `yaml:"collector_endpoint"` // HTTP collector, preferred when set
	AgentEndpoint     string            `yaml:"agent_endpoint"`     // UDP agent host
	SamplingRate      float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatch    int               `yaml:"max_export_batch" validate:"gte=0"`
	MaxQueueSize      int               `yaml:"max_queue_size" validate:"gte=0"`
	ExtraAttributes   map[string]string `yaml:"attributes"`
}

// DefaultConfig returns the default tracing configuration. Tracing is off until enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ServiceName:    "entity-guardian",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		AgentEndpoint:  "localhost",
		SamplingRate:   1.0,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// Setup installs the global tracer provider and W3C propagator.
// It returns a nil provider when tracing is disabled.
func Setup(config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	var exporter *jaeger.Exporter
	var err error

	if config.CollectorEndpoint != "" {
		exporter, err = jaeger.New(
			jaeger.WithCollectorEndpoint(
				jaeger.WithEndpoint(config.CollectorEndpoint),
			),
		)
	} else {
		exporter, err = jaeger.New(
			jaeger.WithAgentEndpoint(
				jaeger.WithAgentHost(config.AgentEndpoint),
			),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}
	for key, value := range config.ExtraAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if config.MaxExportBatch > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(config.MaxExportBatch))
	}
	if config.MaxQueueSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxQueueSize(config.MaxQueueSize))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp, nil
}

// newSampler respects the parent's decision and samples root spans at rate
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0.0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
