// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ManuGH/sorad/internal/auth"
	applog "github.com/ManuGH/sorad/internal/log"
	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/store"
)

// slowRequestThreshold marks a request is_slow in the event log.
const slowRequestThreshold = time.Second

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestID assigns each request an id, honouring an inbound X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(applog.ContextWithRequestID(r.Context(), id)))
	})
}

// requestLogger appends one api-source event per request and feeds the HTTP
// metrics. Health, metrics and the long-lived stream are exempt.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptFromRequestLog(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		took := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RecordHTTPRequest(route, r.Method, fmt.Sprintf("%dxx", rec.status/100), took)

		operator := ""
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			operator = p.Username
		}
		status := "ok"
		level := "info"
		if rec.status >= 400 {
			status = "failed"
			if rec.status >= 500 {
				level = "error"
			} else {
				level = "warn"
			}
		}
		if _, err := s.deps.Events.Append(r.Context(), &store.EventLog{
			Source:     store.SourceAPI,
			Action:     r.Method + " " + route,
			Status:     status,
			Level:      level,
			Method:     r.Method,
			Path:       r.URL.Path,
			QueryText:  r.URL.RawQuery,
			StatusCode: rec.status,
			DurationMS: took.Milliseconds(),
			IsSlow:     took >= slowRequestThreshold,
			Operator:   operator,
			RequestID:  applog.RequestIDFromContext(r.Context()),
		}); err != nil {
			s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request log append failed")
		}
	})
}

func exemptFromRequestLog(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return strings.HasSuffix(path, "/logs/stream")
}

// requireAuth verifies the bearer token and attaches the principal. allowQuery
// additionally accepts ?token= for the SSE stream.
func (s *server) requireAuth(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ExtractToken(r, allowQuery)
			if token == "" {
				metrics.RecordAuthFailure("missing_token")
				writeUnauthorized(w)
				return
			}
			user, err := s.deps.Auth.Verify(r.Context(), token)
			if err != nil {
				metrics.RecordAuthFailure("invalid_token")
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), user)))
		})
	}
}
