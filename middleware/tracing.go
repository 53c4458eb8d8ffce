package middleware

import (
	"context"
	"fmt"

	guardian "github.com/entity-guardian/entity-guardian"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "entity-guardian"

// TracingConfig holds configuration for tracing middleware
type TracingConfig struct {
	Tracer       trace.Tracer
	TracerName   string
	RecordErrors bool
	RecordEvents bool
	ExtraAttrs   []attribute.KeyValue
}

// TracingOption is a functional option for tracing configuration
type TracingOption func(*TracingConfig)

// WithTracer sets a custom tracer
func WithTracer(tracer trace.Tracer) TracingOption {
	return func(c *TracingConfig) {
		c.Tracer = tracer
	}
}

// WithTracerName sets the tracer name
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithRecordErrors toggles error recording in spans
func WithRecordErrors(enabled bool) TracingOption {
	return func(c *TracingConfig) {
		c.RecordErrors = enabled
	}
}

// WithRecordEvents toggles event recording in spans
func WithRecordEvents(enabled bool) TracingOption {
	return func(c *TracingConfig) {
		c.RecordEvents = enabled
	}
}

// WithExtraAttributes adds extra attributes to all spans
func WithExtraAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.ExtraAttrs = append(c.ExtraAttrs, attrs...)
	}
}

// Tracing creates a middleware that opens a client span around each fetch
func Tracing(opts ...TracingOption) guardian.Middleware {
	// Default configuration
	config := &TracingConfig{
		TracerName:   defaultTracerName,
		RecordErrors: true,
		RecordEvents: true,
	}

	// Apply options
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, call *guardian.Call, next guardian.Fetch) (interface{}, error) {
		// Resolved per call so a provider installed after construction is used
		tracer := config.Tracer
		if tracer == nil {
			tracer = otel.Tracer(config.TracerName)
		}

		ctx, span := tracer.Start(ctx, SpanName(call),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(config.ExtraAttrs...),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("entity.resource", call.ResourceName()),
			attribute.String("entity.operation", string(call.Operation)),
			attribute.String("entity.cache_key", call.Key),
		)

		if config.RecordEvents {
			span.AddEvent("entity.fetch.started")
		}

		resp, err := next(ctx, call)

		if config.RecordEvents {
			span.AddEvent("entity.fetch.finished")
		}

		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(
				attribute.Bool("entity.rate_limited", guardian.IsRateLimited(err)),
				attribute.String("error.message", err.Error()),
			)

			if config.RecordErrors {
				span.RecordError(err)
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return resp, err
	}
}

// SpanName returns the span name used for a call, e.g. "entity.list Lead"
func SpanName(call *guardian.Call) string {
	return fmt.Sprintf("entity.%s %s", call.Operation, call.ResourceName())
}

// AddEventToSpan adds an event to the current span
func AddEventToSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error in the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
