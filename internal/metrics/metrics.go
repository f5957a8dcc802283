// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion Metrics
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_ingest_total",
			Help: "Total number of audit events submitted for ingestion",
		},
		[]string{"outcome"}, // "accepted", "validation_error", "encryption_failure", "store_failure", "queued"
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_ingest_duration_seconds",
			Help:    "End-to-end ingestion pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_ingest_batch_size",
			Help:    "Number of events per batch submission",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 25},
		},
	)

	// Outbound Queue Metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_outbound_queue_depth",
			Help: "Current number of records awaiting store replay",
		},
	)

	QueueSpills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_outbound_queue_spills_total",
			Help: "Total number of records spilled to the outbound queue after store write failures",
		},
	)

	QueueReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_outbound_queue_replays_total",
			Help: "Total number of outbound queue replay attempts",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	// Crypto Provider Metrics
	CryptoOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_operations_total",
			Help: "Total number of field encryption provider operations",
		},
		[]string{"operation", "outcome"}, // operation: "encrypt", "decrypt", "tokenize"
	)

	CryptoBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crypto_breaker_state",
			Help: "Crypto provider circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// Query Metrics
	QueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_query_total",
			Help: "Total number of audit query requests",
		},
		[]string{"index", "outcome"}, // index: "user", "date", "event", "patient"
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_query_duration_seconds",
			Help:    "Audit query duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"index"},
	)

	// Session Metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "phi_sessions_active",
			Help: "Current number of tracked PHI sessions",
		},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_session_transitions_total",
			Help: "Total number of PHI session state transitions",
		},
		[]string{"to"}, // "warning", "active", "expired"
	)

	SessionTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phi_session_timeouts_total",
			Help: "Total number of session terminations",
		},
		[]string{"reason"}, // "timeout", "logout", "token_expired"
	)

	// Monitor Metrics
	MonitorEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_evaluations_total",
			Help: "Total number of detector evaluations",
		},
		[]string{"detector"},
	)

	MonitorAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_alerts_total",
			Help: "Total number of suspicious activity alerts raised",
		},
		[]string{"detector"},
	)

	MonitorThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_alerts_throttled_total",
			Help: "Total number of alerts suppressed by per-principal throttling",
		},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)
)

// RecordIngest records one ingestion outcome.
func RecordIngest(outcome string, duration time.Duration) {
	IngestTotal.WithLabelValues(outcome).Inc()
	IngestDuration.Observe(duration.Seconds())
}

// RecordCryptoOperation records one provider call.
func RecordCryptoOperation(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	CryptoOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordQuery records one query by serving index.
func RecordQuery(index string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	QueryTotal.WithLabelValues(index, outcome).Inc()
	QueryDuration.WithLabelValues(index).Observe(duration.Seconds())
}

// RecordAPIRequest records one completed HTTP request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
