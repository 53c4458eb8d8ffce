// Package httpserver exposes cached entity reads, cache invalidation,
// health and Prometheus metrics over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves the guardian client over HTTP
type Server struct {
	client   *guardian.Client
	resolver Resolver
	logger   *zap.Logger
	registry *prometheus.Registry

	auth      AuthValidator
	adminRole string
	retry     *guardian.Retry

	server  *http.Server
	started time.Time
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry serves /metrics from registry instead of the default gatherer
func WithRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithAuth requires a valid token on entity and cache routes
func WithAuth(validator AuthValidator) Option {
	return func(s *Server) {
		s.auth = validator
	}
}

// WithAdminRole requires role for cache invalidation. It only applies together with WithAuth.
func WithAdminRole(role string) Option {
	return func(s *Server) {
		s.adminRole = role
	}
}

// WithRetry re-runs entity reads rejected by the rate limit before answering 429
func WithRetry(retry *guardian.Retry) Option {
	return func(s *Server) {
		s.retry = retry
	}
}

// NewServer creates a new HTTP server
func NewServer(client *guardian.Client, resolver Resolver, opts ...Option) *Server {
	s := &Server{
		client:   client,
		resolver: resolver,
		logger:   zap.NewNop(),
		started:  time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Handler:      s.createRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on addr and serves until Stop is called
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(listener)
}

// Serve serves on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("Starting entity guardian HTTP server", zap.String("addr", listener.Addr().String()))

	err := s.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping entity guardian HTTP server")
	return s.server.Shutdown(ctx)
}

// createRouter creates and configures the HTTP router
func (s *Server) createRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	// Health and metrics stay reachable without credentials
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	} else {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/").Subrouter()
	if s.auth != nil {
		api.Use(Auth(s.auth))
	}

	// Entity reads
	api.HandleFunc("/entities/{name}", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/entities/{name}/filter", s.handleFilter).Methods(http.MethodPost)
	api.HandleFunc("/entities/{name}/{id}", s.handleGet).Methods(http.MethodGet)

	// Cache endpoints
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)

	invalidate := http.Handler(http.HandlerFunc(s.handleInvalidate))
	if s.auth != nil && s.adminRole != "" {
		invalidate = RequireRole(s.adminRole)(invalidate)
	}
	api.Handle("/cache", invalidate).Methods(http.MethodDelete)

	return router
}

// statusRecorder captures the status written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
