// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package main is the entry point for the Custodian server.
//
// Custodian is a compliance subsystem for healthcare applications that
// handle protected health information (PHI). It records a tamper-resistant
// audit trail of every PHI access, enforces inactivity timeouts on clinical
// sessions, and flags suspicious access patterns.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load from defaults, YAML file, and environment (Koanf v2)
//  2. Crypto: AES-256-GCM envelope provider behind a circuit breaker
//  3. Store: Badger-backed audit record store with retention TTLs
//  4. Queue: bounded outbound spill queue for store outages
//  5. Authorization: Casbin role policy for audit query and decrypt grants
//  6. Monitor: suspicious-activity detectors feeding back into ingestion
//  7. Sessions: JWT-backed session manager with inactivity guards
//  8. HTTP Server: REST API under /api/v1 plus Prometheus /metrics
//
// All long-running loops (queue drainer, store GC, session reaper, monitor
// sweeper, HTTP server) run under a suture supervisor tree with automatic
// restart and failure isolation.
//
// # Configuration
//
// Required environment variables:
//   - MASTER_KEY: base64-encoded 32-byte field encryption key
//   - JWT_SECRET: 32+ byte secret for session token signing
//
// See internal/config for the full set of settings and their YAML paths.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, the supervisor tree stops its services, and the
// queue and store are closed in dependency order.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/custodian/internal/api"
	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/audit/store"
	"github.com/tomtom215/custodian/internal/authz"
	"github.com/tomtom215/custodian/internal/clock"
	"github.com/tomtom215/custodian/internal/config"
	"github.com/tomtom215/custodian/internal/crypto"
	"github.com/tomtom215/custodian/internal/ingest"
	"github.com/tomtom215/custodian/internal/ingest/queue"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/monitor"
	"github.com/tomtom215/custodian/internal/query"
	"github.com/tomtom215/custodian/internal/session"
	"github.com/tomtom215/custodian/internal/supervisor"
	"github.com/tomtom215/custodian/internal/supervisor/services"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", Version).
		Int("retention_days", cfg.Retention.Days).
		Msg("Starting Custodian")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cfg *config.Config) error {
	// Crypto comes first: ingestion fails closed without a working provider.
	envelope, err := crypto.NewEnvelope(crypto.Config{
		MasterKey: cfg.Crypto.MasterKey,
		KeyID:     cfg.Crypto.KeyID,
		Context:   cfg.Crypto.Context,
	})
	if err != nil {
		return fmt.Errorf("crypto provider: %w", err)
	}
	provider := crypto.NewBreakerProvider(envelope, crypto.BreakerConfig{
		ConsecutiveFailures: cfg.Crypto.BreakerMaxFailures,
		OpenTimeout:         cfg.Crypto.BreakerOpenFor,
	})

	auditStore, err := store.Open(store.Config{
		Path:     cfg.Store.Path,
		InMemory: cfg.Store.InMemory,
	})
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer func() {
		if err := auditStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close audit store")
		}
	}()

	outbound, err := queue.Open(queue.Config{
		Path:       cfg.Ingest.Queue.Path,
		InMemory:   cfg.Store.InMemory,
		MaxEntries: cfg.Ingest.Queue.MaxEntries,
	})
	if err != nil {
		return fmt.Errorf("outbound queue: %w", err)
	}
	defer func() {
		if err := outbound.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close outbound queue")
		}
	}()

	enforcer, err := authz.NewEnforcer(authz.Config{})
	if err != nil {
		return fmt.Errorf("authorization enforcer: %w", err)
	}

	// The monitor's alerts flow back through ingestion as audit events, so
	// the engine needs the service that is constructed after it. The
	// closure captures the variable, not the (still nil) value.
	var ingestSvc *ingest.Service
	raiseAlert := func(ctx context.Context, e *audit.Event) {
		if _, err := ingestSvc.Ingest(ctx, e); err != nil {
			logging.Error().Err(err).Str("event_type", string(e.Event)).
				Msg("Failed to record suspicious activity alert")
		}
	}

	detectors := []monitor.Detector{
		monitor.NewFailedAuthDetector(monitor.FailedAuthConfig{
			Threshold: cfg.Monitor.FailedAuthThreshold,
			Window:    cfg.Monitor.FailedAuthWindow,
		}),
		monitor.NewPHIVolumeDetector(monitor.PHIVolumeConfig{
			Threshold: cfg.Monitor.PHIVolumeThreshold,
			Window:    cfg.Monitor.PHIVolumeWindow,
		}),
	}
	if cfg.Monitor.NewOriginEnabled {
		origins := monitor.NewBadgerOriginStore(auditStore.DB())
		detectors = append(detectors, monitor.NewNewOriginDetector(origins))
	}
	engine := monitor.NewEngine(monitor.EngineConfig{
		AlertInterval: cfg.Monitor.AlertInterval,
		AlertBurst:    cfg.Monitor.AlertBurst,
	}, raiseAlert, detectors...)

	ingestSvc = ingest.New(auditStore, provider, ingest.Config{
		Retention:    cfg.Retention.Duration(),
		RetryBudget:  cfg.Ingest.RetryBudget,
		StoreTimeout: cfg.Ingest.StoreTimeout,
	}, ingest.WithQueue(outbound), ingest.WithNotifier(engine))

	sessions, err := session.NewManager(session.Config{
		Timeout:  time.Duration(cfg.Session.TimeoutMinutes) * time.Minute,
		Warning:  time.Duration(cfg.Session.WarningMinutes) * time.Minute,
		Debounce: cfg.Session.Debounce,
	}, clock.New(), []byte(cfg.Auth.JWTSecret), &sessionAuditEmitter{ingest: ingestSvc},
		func(sessionID string, remaining time.Duration) {
			logging.Info().Str("session_id", sessionID).
				Dur("remaining", remaining).Msg("Session approaching inactivity timeout")
		})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	querySvc := query.New(auditStore, provider, enforcer, ingestSvc)

	router := api.NewRouter(ingestSvc, querySvc, sessions,
		api.WithQueueStats(outbound.Stats),
		api.WithMiddlewareConfig(&api.ChiMiddlewareConfig{
			CORSAllowedOrigins: cfg.Server.CORSOrigins,
			CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
			CORSAllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			RateLimitRequests:  cfg.Server.RateLimitRequests,
			RateLimitWindow:    cfg.Server.RateLimitWindow,
			RateLimitDisabled:  cfg.Server.RateLimitDisabled,
		}))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	drainer := ingest.NewDrainer(auditStore, outbound)
	drainer.Interval = cfg.Ingest.Queue.DrainInterval
	tree.AddStorageService(drainer)
	tree.AddStorageService(services.NewStoreGCService(auditStore, cfg.Store.GCInterval))

	reaper := session.NewReaper(sessions)
	reaper.Interval = cfg.Session.ReaperInterval
	tree.AddSessionService(reaper)

	sweeper := monitor.NewSweeper(detectors...)
	sweeper.Interval = cfg.Monitor.SweepInterval
	tree.AddSessionService(sweeper)

	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("Listening")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	logging.Info().Msg("Shutdown complete")
	return nil
}

// sessionAuditEmitter forwards session lifecycle events into the audit
// trail. Emission must not block the guard's state transitions, so each
// event is ingested from its own goroutine with a bounded deadline.
type sessionAuditEmitter struct {
	ingest *ingest.Service
}

func (s *sessionAuditEmitter) EmitSessionEvent(e *audit.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.ingest.Ingest(ctx, e); err != nil {
			logging.Error().Err(err).Str("event_type", string(e.Event)).
				Msg("Failed to record session event")
		}
	}()
}
