package middleware

import (
	"context"
	"errors"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig holds configuration for logging middleware
type LoggingConfig struct {
	Logger          *zap.Logger
	Level           zapcore.Level
	LogParams       bool
	LogResponseBody bool
	ExtraFields     map[string]interface{}
}

// LoggingOption is a functional option for logging configuration
type LoggingOption func(*LoggingConfig)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) LoggingOption {
	return func(c *LoggingConfig) {
		c.Logger = logger
	}
}

// WithLevel sets the level used for successful fetches
func WithLevel(level zapcore.Level) LoggingOption {
	return func(c *LoggingConfig) {
		c.Level = level
	}
}

// WithParams enables logging of call parameters
func WithParams() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogParams = true
	}
}

// WithResponseBody enables logging of fetch results
func WithResponseBody() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogResponseBody = true
	}
}

// WithExtraFields adds extra fields to all log entries
func WithExtraFields(fields map[string]interface{}) LoggingOption {
	return func(c *LoggingConfig) {
		c.ExtraFields = fields
	}
}

// Logging creates a middleware that logs every underlying entity API fetch
func Logging(opts ...LoggingOption) guardian.Middleware {
	// Default configuration
	config := &LoggingConfig{
		Logger: zap.NewNop(),
		Level:  zapcore.InfoLevel,
	}

	// Apply options
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, call *guardian.Call, next guardian.Fetch) (interface{}, error) {
		start := time.Now()

		fields := []zap.Field{
			zap.String("resource", call.ResourceName()),
			zap.String("operation", string(call.Operation)),
			zap.String("cache_key", call.Key),
		}

		for k, v := range config.ExtraFields {
			fields = append(fields, zap.Any(k, v))
		}

		if config.LogParams {
			fields = append(fields, zap.Any("params", call.Params))
		}

		if ce := config.Logger.Check(zapcore.DebugLevel, "entity fetch started"); ce != nil {
			ce.Write(fields...)
		}

		resp, err := next(ctx, call)

		duration := time.Since(start)
		fields = append(fields,
			zap.Duration("duration", duration),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)

		switch {
		case err == nil:
			if config.LogResponseBody {
				fields = append(fields, zap.Any("response", resp))
			}
			if ce := config.Logger.Check(config.Level, "entity fetch completed"); ce != nil {
				ce.Write(fields...)
			}
		case guardian.IsRateLimited(err):
			config.Logger.Warn("entity fetch rate limited", append(fields, zap.Error(err))...)
		case errors.Is(err, context.Canceled):
			config.Logger.Info("entity fetch cancelled", append(fields, zap.Error(err))...)
		default:
			config.Logger.Error("entity fetch failed", append(fields, zap.Error(err))...)
		}

		return resp, err
	}
}

// SlowFetchLog logs fetches that take longer than threshold
func SlowFetchLog(logger *zap.Logger, threshold time.Duration) guardian.Middleware {
	return func(ctx context.Context, call *guardian.Call, next guardian.Fetch) (interface{}, error) {
		start := time.Now()

		resp, err := next(ctx, call)

		duration := time.Since(start)
		if duration > threshold {
			logger.Warn("slow entity fetch detected",
				zap.String("resource", call.ResourceName()),
				zap.String("operation", string(call.Operation)),
				zap.Duration("duration", duration),
				zap.Duration("threshold", threshold),
			)
		}

		return resp, err
	}
}
