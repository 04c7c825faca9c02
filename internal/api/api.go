// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api is the HTTP surface: auth, job CRUD and cancel, the admin
// log/settings/scan/proxy endpoints, and the live event stream. Handlers
// translate between HTTP and the services; they hold no business logic.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/sorad/internal/auth"
	"github.com/ManuGH/sorad/internal/cache"
	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/proxyhealth"
	"github.com/ManuGH/sorad/internal/quota"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

// Scanner triggers a session scan sweep.
type Scanner interface {
	Run(ctx context.Context, groupTitle, triggerKind string) (*store.ScanRun, error)
}

// ReadyChecker reports whether a backing dependency can serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps carries everything the router needs. All fields except Cache and
// Scanner are required.
type Deps struct {
	Logger   zerolog.Logger
	Store    *store.Store
	Events   *eventlog.Service
	Settings *settings.Service
	Auth     *auth.Service
	Quota    *quota.Tracker
	Proxies  *proxyhealth.Service
	Scanner  Scanner
	Cache    cache.Cache
	Ready    []ReadyChecker
	Version  string
}

type server struct {
	deps   Deps
	logger zerolog.Logger
}

// NewRouter assembles the chi router with the full route table.
func NewRouter(deps Deps) http.Handler {
	if deps.Cache == nil {
		deps.Cache = cache.NewNoop()
	}
	s := &server{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(httprate.LimitByIP(10, time.Minute)).
			Post("/auth/login", s.handleLogin)

		// Everything below requires a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth(false))
			r.Get("/auth/me", s.handleMe)

			r.Post("/sora/jobs", s.handleCreateJob)
			r.Get("/sora/jobs", s.handleListJobs)
			r.Get("/sora/jobs/{id}", s.handleGetJob)
			r.Post("/sora/jobs/{id}/cancel", s.handleCancelJob)
			r.Get("/sora/accounts", s.handleAccounts)
			r.Post("/sora/nurture-batches", s.handleCreateNurtureBatch)
			r.Get("/sora/nurture-batches/{id}", s.handleGetNurtureBatch)

			r.Get("/admin/logs", s.handleListLogs)
			r.Get("/admin/logs/stats", s.handleLogStats)
			r.Get("/admin/settings/system", s.handleGetSystemSettings)
			r.Put("/admin/settings/system", s.handlePutSystemSettings)
			r.Get("/admin/settings/scheduler/scan", s.handleGetScanSettings)
			r.Put("/admin/settings/scheduler/scan", s.handlePutScanSettings)
			r.Get("/admin/settings/watermark-free", s.handleGetWatermarkSettings)
			r.Put("/admin/settings/watermark-free", s.handlePutWatermarkSettings)
			r.Post("/admin/scans", s.handleTriggerScan)
			r.Get("/admin/proxies", s.handleListProxies)
			r.Post("/admin/proxies", s.handleRegisterProxy)
			r.Post("/admin/proxies/{id}/disable", s.handleDisableProxy)
		})

		// The stream authenticates via query token: EventSource cannot set
		// headers.
		r.With(s.requireAuth(true)).Get("/admin/logs/stream", s.handleLogStream)
	})

	return otelhttp.NewHandler(r, "sorad.api")
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for _, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable", "error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
