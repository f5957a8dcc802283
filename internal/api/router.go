// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/custodian/internal/ingest"
	"github.com/tomtom215/custodian/internal/ingest/queue"
	"github.com/tomtom215/custodian/internal/middleware"
	"github.com/tomtom215/custodian/internal/query"
	"github.com/tomtom215/custodian/internal/session"
)

// Router wires the HTTP surface to the services behind it.
type Router struct {
	ingest   *ingest.Service
	query    *query.Service
	sessions *session.Manager

	chiMiddleware *ChiMiddleware
	queueStats    func() queue.Stats
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithQueueStats exposes outbound queue depth to the readiness probe.
func WithQueueStats(fn func() queue.Stats) RouterOption {
	return func(r *Router) { r.queueStats = fn }
}

// WithMiddlewareConfig overrides the CORS and rate-limit configuration.
func WithMiddlewareConfig(cfg *ChiMiddlewareConfig) RouterOption {
	return func(r *Router) { r.chiMiddleware = NewChiMiddleware(cfg) }
}

// NewRouter builds the router.
func NewRouter(ing *ingest.Service, qry *query.Service, sessions *session.Manager, opts ...RouterOption) *Router {
	router := &Router{
		ingest:        ing,
		query:         qry,
		sessions:      sessions,
		chiMiddleware: NewChiMiddleware(nil),
	}
	for _, opt := range opts {
		opt(router)
	}
	return router
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global stack, applied to all routes in order. CORS must be global
	// to answer OPTIONS preflight before routing.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	// Health probes: permissive rate limiting for monitoring tools.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitHealth())
		r.Use(APISecurityHeaders())
		r.Get("/live", router.HealthLive)
		r.Get("/ready", router.HealthReady)
		r.Get("/", router.HealthReady)
	})

	// Audit trail: writes and reads, always authenticated.
	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.Authenticate)

		r.With(router.chiMiddleware.RateLimitIngest()).Post("/logs", router.IngestLog)
		r.With(router.chiMiddleware.RateLimitIngest()).Post("/batch", router.IngestBatch)
		r.With(router.chiMiddleware.RateLimitQuery()).Get("/logs", router.QueryLogs)
	})

	// Session guard: verify is reachable with an ended token on purpose,
	// so the client learns why; the transition endpoints require a live
	// session.
	r.Route("/api/v1/session", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitSession())
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)

		r.Get("/verify", router.SessionVerify)

		r.Group(func(r chi.Router) {
			r.Use(router.Authenticate)
			r.Post("/activity", router.SessionActivity)
			r.Post("/continue", router.SessionContinue)
			r.Post("/logout", router.SessionLogout)
			r.Post("/context", router.SessionContext)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
