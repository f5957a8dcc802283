// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/metrics"
)

// EmitFunc delivers a detector alert back into the audit trail as a
// SUSPICIOUS_ACTIVITY event. Wired to the ingestion service.
type EmitFunc func(ctx context.Context, e *audit.Event)

// EngineConfig configures alert throttling.
type EngineConfig struct {
	// AlertInterval is the sustained per-principal alert rate.
	// Default one alert per minute.
	AlertInterval time.Duration

	// AlertBurst is the burst allowance per principal. Default 3.
	AlertBurst int
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AlertInterval: time.Minute,
		AlertBurst:    3,
	}
}

// Engine runs every enabled detector against each ingested event.
// A detector error or alert never propagates to the ingestion caller.
type Engine struct {
	detectors []Detector
	emit      EmitFunc
	cfg       EngineConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEngine builds an engine over the given detectors.
func NewEngine(cfg EngineConfig, emit EmitFunc, detectors ...Detector) *Engine {
	d := DefaultEngineConfig()
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = d.AlertInterval
	}
	if cfg.AlertBurst <= 0 {
		cfg.AlertBurst = d.AlertBurst
	}
	return &Engine{
		detectors: detectors,
		emit:      emit,
		cfg:       cfg,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Process evaluates one event against every enabled detector.
// SUSPICIOUS_ACTIVITY events are never re-processed: the engine's own
// output must not feed back into it.
func (e *Engine) Process(ctx context.Context, event *audit.Event) {
	if event.Event.Canonical() == audit.EventTypeSuspiciousActivity {
		return
	}

	for _, d := range e.detectors {
		if !d.Enabled() {
			continue
		}
		metrics.MonitorEvaluations.WithLabelValues(string(d.Type())).Inc()

		alert, err := d.Check(ctx, event)
		if err != nil {
			logging.Err(err).
				Str("detector", string(d.Type())).
				Str("event_id", event.ID).
				Msg("detector check failed")
			continue
		}
		if alert == nil {
			continue
		}

		metrics.MonitorAlerts.WithLabelValues(string(d.Type())).Inc()
		if !e.allow(alert.UserID) {
			metrics.MonitorThrottled.Inc()
			continue
		}
		e.raise(ctx, alert)
	}
}

// allow applies the per-principal alert throttle.
func (e *Engine) allow(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	lim, ok := e.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.cfg.AlertInterval), e.cfg.AlertBurst)
		e.limiters[userID] = lim
	}
	return lim.Allow()
}

// raise re-emits an alert as a SUSPICIOUS_ACTIVITY audit event.
func (e *Engine) raise(ctx context.Context, alert *Alert) {
	if e.emit == nil {
		return
	}

	details, err := json.Marshal(alert)
	if err != nil {
		logging.Err(err).Msg("marshal alert details")
		return
	}

	e.emit(ctx, &audit.Event{
		ID:        uuid.New().String(),
		Timestamp: alert.ObservedAt.UTC().Format(time.RFC3339),
		UserID:    alert.UserID,
		Event:     audit.EventTypeSuspiciousActivity,
		Action:    alert.Message,
		Result:    audit.ResultWarning,
		Details:   details,
	})

	logging.Warn().
		Str("detector", string(alert.Detector)).
		Str("user_id", alert.UserID).
		Str("severity", string(alert.Severity)).
		Msg(alert.Message)
}

// Sweeper periodically prunes detector state. Runs as a supervised service.
type Sweeper struct {
	Interval time.Duration
	prunable []interface{ prune(time.Time) }
}

// NewSweeper builds a sweeper over the detectors that keep window state.
func NewSweeper(detectors ...Detector) *Sweeper {
	s := &Sweeper{Interval: 5 * time.Minute}
	for _, d := range detectors {
		if p, ok := d.(interface{ prune(time.Time) }); ok {
			s.prunable = append(s.prunable, p)
		}
	}
	return s
}

// Serve implements suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			for _, p := range s.prunable {
				p.prune(now)
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *Sweeper) String() string {
	return "monitor-sweeper"
}
