package main

import (
	"context"
	"fmt"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
	"github.com/entity-guardian/entity-guardian/chaos"
	"github.com/entity-guardian/entity-guardian/middleware"
	"github.com/entity-guardian/entity-guardian/pkg/cache"
	"github.com/entity-guardian/entity-guardian/pkg/config"
	"github.com/entity-guardian/entity-guardian/pkg/entityapi"
	"github.com/entity-guardian/entity-guardian/pkg/httpserver"
	"github.com/entity-guardian/entity-guardian/pkg/metrics"
	"github.com/entity-guardian/entity-guardian/pkg/ratelimit"
	"github.com/entity-guardian/entity-guardian/pkg/tracing"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CompositionRoot holds every service dependency, wired from one Config
type CompositionRoot struct {
	Config *config.Config
	Logger *zap.Logger

	Metrics        *metrics.PrometheusCollector
	TracerProvider *sdktrace.TracerProvider
	Breaker        *middleware.CircuitBreaker

	EntityAPI  *entityapi.Client
	Client     *guardian.Client
	HTTPServer *httpserver.Server
}

// NewCompositionRoot builds the service.
//
// Initialization order:
// 1. Metrics and tracing (observed by the fetch middleware)
// 2. Entity API client
// 3. Guardian client with cache, limiter and middleware
// 4. HTTP server
func NewCompositionRoot(cfg *config.Config, logger *zap.Logger) (*CompositionRoot, error) {
	root := &CompositionRoot{
		Config: cfg,
		Logger: logger,
	}

	collectorOpts := []metrics.ConfigOption{
		metrics.WithNamespace(cfg.Metrics.Namespace),
		metrics.WithSubsystem(cfg.Metrics.Subsystem),
	}
	if !cfg.Metrics.PerResource {
		collectorOpts = append(collectorOpts, metrics.WithoutPerResourceMetrics())
	}

	collector, err := metrics.NewPrometheusCollector(collectorOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	root.Metrics = collector

	tp, err := tracing.Setup(&cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	root.TracerProvider = tp

	apiOpts := []entityapi.ClientOption{
		entityapi.WithBaseURL(cfg.EntityAPI.BaseURL),
		entityapi.WithAppID(cfg.EntityAPI.AppID),
		entityapi.WithAPIKey(cfg.EntityAPI.APIKey),
		entityapi.WithTimeout(cfg.EntityAPI.Timeout),
		entityapi.WithEntities(cfg.EntityAPI.Entities...),
	}
	if cfg.EntityAPI.TokenSecret != "" {
		apiOpts = append(apiOpts, entityapi.WithServiceToken(cfg.EntityAPI.TokenSecret, cfg.EntityAPI.Tenant, cfg.EntityAPI.TokenTTL))
	}
	root.EntityAPI = entityapi.NewClient(apiOpts...)

	clientOpts := []guardian.Option{
		guardian.WithCache(cache.NewMemoryCache(&cache.MemoryConfig{TTL: cfg.Cache.TTL})),
		guardian.WithKeyGenerator(newKeyGenerator(cfg.Cache.KeyStrategy)),
		guardian.WithLimiter(newLimiter(cfg.RateLimit)),
		guardian.WithLogger(logger.Named("guardian")),
		guardian.WithMetrics(collector),
		guardian.WithMaxThrottleWait(cfg.RateLimit.MaxThrottleWait),
		guardian.WithRateLimitBackoff(cfg.RateLimit.RateLimitBackoff),
		guardian.WithMiddleware(root.fetchMiddleware()...),
	}
	if cfg.Cache.SingleFlight {
		clientOpts = append(clientOpts, guardian.WithSingleFlight())
	}
	root.Client = guardian.New(clientOpts...)

	serverOpts := []httpserver.Option{
		httpserver.WithLogger(logger.Named("http")),
		httpserver.WithRegistry(collector.GetRegistry()),
	}
	if cfg.RateLimit.RetryAttempts > 0 {
		serverOpts = append(serverOpts, httpserver.WithRetry(guardian.NewRetry(
			guardian.WithMaxAttempts(cfg.RateLimit.RetryAttempts),
			guardian.WithOnRetry(func(attempt int, err error, nextBackoff time.Duration) {
				logger.Info("Retrying rate limited read",
					zap.Int("attempt", attempt),
					zap.Duration("backoff", nextBackoff),
					zap.Error(err),
				)
			}),
		)))
	}
	if cfg.Server.AuthSecret != "" {
		serverOpts = append(serverOpts,
			httpserver.WithAuth(httpserver.JWTValidator(cfg.Server.AuthSecret)),
			httpserver.WithAdminRole("admin"),
		)
	}
	root.HTTPServer = httpserver.NewServer(root.Client, root.EntityAPI, serverOpts...)

	return root, nil
}

// fetchMiddleware orders the chain from outermost to innermost
func (r *CompositionRoot) fetchMiddleware() []guardian.Middleware {
	cfg := r.Config.Middleware

	chain := []guardian.Middleware{
		middleware.Tracing(),
		middleware.Logging(middleware.WithLogger(r.Logger.Named("fetch"))),
		middleware.MetricsMiddleware(r.Metrics),
	}

	if cfg.CircuitBreaker.Enabled {
		breakerOpts := []middleware.CircuitBreakerOption{
			middleware.WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold),
			middleware.WithOnStateChange(func(from, to middleware.State) {
				r.Logger.Warn("Circuit breaker state changed",
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			}),
		}
		if cfg.CircuitBreaker.OpenTimeout > 0 {
			breakerOpts = append(breakerOpts, middleware.WithOpenTimeout(cfg.CircuitBreaker.OpenTimeout))
		}
		r.Breaker = middleware.NewCircuitBreaker(breakerOpts...)
		r.Metrics.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: r.Config.Metrics.Namespace,
				Subsystem: r.Config.Metrics.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Entity API circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			func() float64 { return float64(r.Breaker.State()) },
		))
		chain = append(chain, r.Breaker.Middleware())
	}

	if cfg.FetchTimeout > 0 {
		chain = append(chain, middleware.Timeout(middleware.WithTimeout(cfg.FetchTimeout)))
	}

	if cfg.Chaos.Enabled {
		r.Logger.Warn("Chaos injection enabled; do not run this configuration in production")
		chain = append(chain, chaos.New(
			chaos.WithErrors(cfg.Chaos.ErrorStatuses, cfg.Chaos.ErrorProbability),
			chaos.WithLatency(cfg.Chaos.LatencyMin, cfg.Chaos.LatencyMax, cfg.Chaos.LatencyProbability),
		))
	}

	return chain
}

// Start serves HTTP until Stop
func (r *CompositionRoot) Start() error {
	return r.HTTPServer.Start(r.Config.Server.Addr)
}

// Stop shuts the server down and flushes traces
func (r *CompositionRoot) Stop(ctx context.Context) error {
	serverErr := r.HTTPServer.Stop(ctx)
	if err := tracing.Shutdown(ctx, r.TracerProvider); err != nil {
		r.Logger.Error("Failed to flush traces", zap.Error(err))
	}
	return serverErr
}

func newKeyGenerator(strategy string) cache.KeyGenerator {
	if strategy == "hashed" {
		return cache.NewHashedKeyGenerator()
	}
	return cache.NewDefaultKeyGenerator()
}

func newLimiter(cfg config.RateLimitConfig) ratelimit.Limiter {
	if cfg.Strategy == "token_bucket" {
		return ratelimit.NewTokenBucket(float64(cfg.MaxRequests)/cfg.Window.Seconds(), cfg.MaxRequests)
	}
	return ratelimit.NewSlidingWindow(
		ratelimit.WithMaxRequests(cfg.MaxRequests),
		ratelimit.WithWindow(cfg.Window),
	)
}

// newLogger builds a zap logger at level
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
