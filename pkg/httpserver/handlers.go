package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
	"github.com/entity-guardian/entity-guardian/middleware"
	"github.com/entity-guardian/entity-guardian/pkg/entityapi"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxBodyBytes bounds filter criteria bodies
const maxBodyBytes = 1 << 20

// handleList serves GET /entities/{name}?sort=&limit=
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resource, ok := s.resolve(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	args := []interface{}{}

	sort := query.Get("sort")
	limitParam := query.Get("limit")

	if sort != "" || limitParam != "" {
		args = append(args, sort)
	}
	if limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		args = append(args, limit)
	}

	result, err := s.read(r.Context(), func(ctx context.Context) (interface{}, error) {
		return s.client.List(ctx, resource, args...)
	})
	s.respond(w, r, result, err)
}

// handleFilter serves POST /entities/{name}/filter with JSON criteria
func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	resource, ok := s.resolve(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	var criteria interface{}
	if err := json.Unmarshal(body, &criteria); err != nil {
		writeError(w, http.StatusBadRequest, "filter criteria must be JSON: "+err.Error())
		return
	}

	result, err := s.read(r.Context(), func(ctx context.Context) (interface{}, error) {
		return s.client.Filter(ctx, resource, criteria)
	})
	s.respond(w, r, result, err)
}

// handleGet serves GET /entities/{name}/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	resource, ok := s.resolve(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	result, err := s.read(r.Context(), func(ctx context.Context) (interface{}, error) {
		return s.client.Get(ctx, resource, id)
	})
	s.respond(w, r, result, err)
}

// handleInvalidate serves DELETE /cache?match=; without match the cache is cleared
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	match := r.URL.Query().Get("match")

	if match == "" {
		removed := s.client.Clear()
		s.logger.Info("Cache cleared", zap.Int("removed", removed))
		writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
		return
	}

	removed := s.client.Invalidate(match)
	s.logger.Info("Cache invalidated", zap.String("match", match), zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// handleCacheStats serves GET /cache/stats
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Stats())
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
		"uptime": time.Since(s.started).String(),
	})
}

// read runs fn, through the retry policy when one is configured
func (s *Server) read(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if s.retry == nil {
		return fn(ctx)
	}
	return s.retry.Do(ctx, fn)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (guardian.Resource, bool) {
	resource, err := s.resolver.Resolve(mux.Vars(r)["name"])
	if err != nil {
		if errors.Is(err, entityapi.ErrUnknownEntity) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return resource, true
}

// respond writes a read result or maps its error to a status
func (s *Server) respond(w http.ResponseWriter, r *http.Request, result interface{}, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}

	status := s.statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds()))
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Entity read failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Warn("Entity read rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}

	writeError(w, status, err.Error())
}

func (s *Server) statusFor(err error) int {
	var sc guardian.StatusCoder

	switch {
	case errors.Is(err, guardian.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, guardian.ErrUnsupportedOperation):
		return http.StatusBadRequest
	case errors.Is(err, middleware.ErrCircuitOpen), errors.Is(err, middleware.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, middleware.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &sc):
		return sc.StatusCode()
	default:
		return http.StatusBadGateway
	}
}

// retryAfterSeconds derives Retry-After from the local window, at least one second
func (s *Server) retryAfterSeconds() int {
	wait := s.client.Limiter().WaitTime()
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
