// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tomtom215/custodian/internal/audit"
)

// FailedAuthConfig configures the repeated-authentication-failure detector.
type FailedAuthConfig struct {
	// Threshold is the failure count that triggers the alert.
	Threshold int `json:"threshold"`

	// Window is the sliding window the failures must fall into.
	Window time.Duration `json:"window"`

	Severity Severity `json:"severity"`
}

// DefaultFailedAuthConfig returns production defaults.
func DefaultFailedAuthConfig() FailedAuthConfig {
	return FailedAuthConfig{
		Threshold: 5,
		Window:    5 * time.Minute,
		Severity:  SeverityCritical,
	}
}

// FailedAuthDetector flags repeated LOGIN_FAILURE events per principal.
// Principals without a user ID are tracked by source address instead, so
// guessing attacks against many accounts from one host still surface.
type FailedAuthDetector struct {
	cfg     FailedAuthConfig
	windows *slidingWindow
	enabled bool
}

// NewFailedAuthDetector builds the detector.
func NewFailedAuthDetector(cfg FailedAuthConfig) *FailedAuthDetector {
	d := DefaultFailedAuthConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.Severity == "" {
		cfg.Severity = d.Severity
	}
	return &FailedAuthDetector{
		cfg:     cfg,
		windows: newSlidingWindow(cfg.Window),
		enabled: true,
	}
}

func (d *FailedAuthDetector) Type() DetectorType { return DetectorFailedAuth }
func (d *FailedAuthDetector) Enabled() bool      { return d.enabled }

// Check counts login failures in the window.
func (d *FailedAuthDetector) Check(_ context.Context, e *audit.Event) (*Alert, error) {
	if e.Event.Canonical() != audit.EventTypeLoginFailure {
		return nil, nil
	}

	key := e.UserID
	if key == "" {
		key = "ip:" + e.IPAddress
	}
	at, err := e.Time()
	if err != nil {
		return nil, fmt.Errorf("event timestamp: %w", err)
	}

	count := d.windows.observe(key, at)
	if count < d.cfg.Threshold {
		return nil, nil
	}

	return &Alert{
		Detector:   DetectorFailedAuth,
		Severity:   d.cfg.Severity,
		UserID:     e.UserID,
		Message:    fmt.Sprintf("%d authentication failures within %s", count, d.cfg.Window),
		ObservedAt: at,
		Details: map[string]string{
			"count":     strconv.Itoa(count),
			"window":    d.cfg.Window.String(),
			"ipAddress": e.IPAddress,
		},
	}, nil
}

// prune drops quiet principals.
func (d *FailedAuthDetector) prune(now time.Time) { d.windows.prune(now) }

// PHIVolumeConfig configures the PHI access volume detector.
type PHIVolumeConfig struct {
	// Threshold is the PHI-access event count that triggers the alert.
	Threshold int `json:"threshold"`

	// Window is the sliding window the accesses must fall into.
	Window time.Duration `json:"window"`

	Severity Severity `json:"severity"`
}

// DefaultPHIVolumeConfig returns production defaults. The threshold is
// deliberately above any plausible single-chart workflow.
func DefaultPHIVolumeConfig() PHIVolumeConfig {
	return PHIVolumeConfig{
		Threshold: 30,
		Window:    10 * time.Minute,
		Severity:  SeverityWarning,
	}
}

// PHIVolumeDetector flags one principal touching PHI at an unusual rate.
type PHIVolumeDetector struct {
	cfg     PHIVolumeConfig
	windows *slidingWindow
	enabled bool
}

// NewPHIVolumeDetector builds the detector.
func NewPHIVolumeDetector(cfg PHIVolumeConfig) *PHIVolumeDetector {
	d := DefaultPHIVolumeConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.Severity == "" {
		cfg.Severity = d.Severity
	}
	return &PHIVolumeDetector{
		cfg:     cfg,
		windows: newSlidingWindow(cfg.Window),
		enabled: true,
	}
}

func (d *PHIVolumeDetector) Type() DetectorType { return DetectorPHIVolume }
func (d *PHIVolumeDetector) Enabled() bool      { return d.enabled }

// Check counts PHI-access events per principal in the window.
func (d *PHIVolumeDetector) Check(_ context.Context, e *audit.Event) (*Alert, error) {
	if !e.PHIAccessed || e.UserID == "" {
		return nil, nil
	}
	at, err := e.Time()
	if err != nil {
		return nil, fmt.Errorf("event timestamp: %w", err)
	}

	count := d.windows.observe(e.UserID, at)
	if count < d.cfg.Threshold {
		return nil, nil
	}

	return &Alert{
		Detector:   DetectorPHIVolume,
		Severity:   d.cfg.Severity,
		UserID:     e.UserID,
		Message:    fmt.Sprintf("%d PHI accesses within %s", count, d.cfg.Window),
		ObservedAt: at,
		Details: map[string]string{
			"count":  strconv.Itoa(count),
			"window": d.cfg.Window.String(),
		},
	}, nil
}

func (d *PHIVolumeDetector) prune(now time.Time) { d.windows.prune(now) }

// NewOriginDetector flags access from a network origin not previously seen
// for the principal. A principal's very first origin only seeds the known
// set, so onboarding does not alert.
type NewOriginDetector struct {
	origins OriginStore
	enabled bool
}

// NewNewOriginDetector builds the detector over an origin store.
func NewNewOriginDetector(origins OriginStore) *NewOriginDetector {
	return &NewOriginDetector{origins: origins, enabled: true}
}

func (d *NewOriginDetector) Type() DetectorType { return DetectorNewOrigin }
func (d *NewOriginDetector) Enabled() bool      { return d.enabled }

// Check consults and updates the known-origin set.
func (d *NewOriginDetector) Check(ctx context.Context, e *audit.Event) (*Alert, error) {
	if e.UserID == "" || e.IPAddress == "" {
		return nil, nil
	}

	seen, err := d.origins.Seen(ctx, e.UserID, e.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("origin lookup: %w", err)
	}
	if seen {
		return nil, nil
	}

	known, err := d.origins.Known(ctx, e.UserID)
	if err != nil {
		return nil, fmt.Errorf("origin lookup: %w", err)
	}
	if err := d.origins.Remember(ctx, e.UserID, e.IPAddress); err != nil {
		return nil, fmt.Errorf("origin store: %w", err)
	}
	if !known {
		return nil, nil
	}

	at, err := e.Time()
	if err != nil {
		return nil, fmt.Errorf("event timestamp: %w", err)
	}

	return &Alert{
		Detector:   DetectorNewOrigin,
		Severity:   SeverityWarning,
		UserID:     e.UserID,
		Message:    "access from a previously unseen network origin",
		ObservedAt: at,
		Details: map[string]string{
			"ipAddress": e.IPAddress,
			"userAgent": e.UserAgent,
		},
	}, nil
}
