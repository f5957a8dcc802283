// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package monitor evaluates ingested audit events for suspicious activity.
//
// Detectors are stateless with respect to the caller: each sees one event
// and answers with at most one alert. Alerts are re-emitted as
// SUSPICIOUS_ACTIVITY audit events through the same ingestion path as
// everything else, so the audit trail is self-describing. The engine never
// re-processes SUSPICIOUS_ACTIVITY events and throttles alerts per
// principal, so a detector cannot flood the trail it feeds.
package monitor

import (
	"context"
	"time"

	"github.com/tomtom215/custodian/internal/audit"
)

// DetectorType identifies a detection rule.
type DetectorType string

const (
	// DetectorFailedAuth flags repeated authentication failures for one
	// principal within a short window.
	DetectorFailedAuth DetectorType = "failed_auth"

	// DetectorPHIVolume flags one principal generating an unusually high
	// volume of PHI-access events in a short window.
	DetectorPHIVolume DetectorType = "phi_volume"

	// DetectorNewOrigin flags access from a network origin not
	// previously seen for the principal.
	DetectorNewOrigin DetectorType = "new_origin"
)

// Severity indicates alert severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a detector finding.
type Alert struct {
	Detector   DetectorType      `json:"detector"`
	Severity   Severity          `json:"severity"`
	UserID     string            `json:"userId,omitempty"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	ObservedAt time.Time         `json:"observedAt"`
}

// Detector evaluates one event. Returning a nil alert and nil error means
// nothing suspicious. Detectors must be safe for concurrent use.
type Detector interface {
	Type() DetectorType
	Enabled() bool
	Check(ctx context.Context, e *audit.Event) (*Alert, error)
}
