// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package ingest implements the audit ingestion pipeline:
// validate, enrich, encrypt, persist, notify.
//
// The pipeline fails closed on encryption: an event whose sensitive fields
// cannot be sealed is rejected, never stored in plaintext and never queued.
// Store writes are retried with exponential backoff; a write that exhausts
// the retry budget spills the already-encrypted record to the bounded
// outbound queue for replay, and only a full queue surfaces a write failure
// to the caller. Monitor handoff is fire-and-forget and can never block or
// fail an ingestion.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/crypto"
	"github.com/tomtom215/custodian/internal/ingest/queue"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/metrics"
)

// Pipeline errors. API handlers map these onto the wire error codes.
var (
	// ErrEncryptionFailure means a sensitive field could not be sealed.
	// The event was rejected; nothing was persisted.
	ErrEncryptionFailure = errors.New("sensitive field encryption failed")

	// ErrStoreWrite means the record could not be persisted and the
	// outbound queue could not absorb it.
	ErrStoreWrite = errors.New("audit store write failed")
)

// Notifier receives accepted events for suspicious-activity evaluation.
type Notifier interface {
	Process(ctx context.Context, e *audit.Event)
}

// Meta carries transport-level request attributes used to enrich events
// whose caller did not supply them.
type Meta struct {
	IPAddress string
	UserAgent string
	SessionID string
}

type metaKey struct{}

// WithMeta attaches transport metadata to the context.
func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFrom extracts transport metadata, if any.
func MetaFrom(ctx context.Context) (Meta, bool) {
	m, ok := ctx.Value(metaKey{}).(Meta)
	return m, ok
}

// Config holds ingestion tuning.
type Config struct {
	// Retention is how long records are kept. RetentionUntil is ingestion
	// time plus this duration.
	Retention time.Duration

	// RetryBudget is the number of store write retries after the first
	// attempt, before spilling to the outbound queue.
	RetryBudget uint64

	// StoreTimeout bounds each store write attempt.
	StoreTimeout time.Duration

	// NotifyTimeout bounds the fire-and-forget monitor handoff.
	NotifyTimeout time.Duration
}

// DefaultConfig returns production defaults: six-year retention, three
// retries, short per-attempt timeouts.
func DefaultConfig() Config {
	return Config{
		Retention:     2190 * 24 * time.Hour,
		RetryBudget:   3,
		StoreTimeout:  5 * time.Second,
		NotifyTimeout: 5 * time.Second,
	}
}

// Service is the audit ingestion service.
type Service struct {
	store    audit.Store
	provider crypto.Provider
	cfg      Config

	outbound *queue.Queue
	notifier Notifier
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithQueue attaches the outbound spill queue.
func WithQueue(q *queue.Queue) Option {
	return func(s *Service) { s.outbound = q }
}

// WithNotifier attaches the suspicious-activity monitor.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithTimeSource overrides the wall clock, for tests.
func WithTimeSource(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds an ingestion service.
func New(store audit.Store, provider crypto.Provider, cfg Config, opts ...Option) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultConfig().NotifyTimeout
	}

	s := &Service{
		store:    store,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest runs one event through the pipeline. Returns the event ID under
// which the record was (or will be, if queued) persisted.
func (s *Service) Ingest(ctx context.Context, e *audit.Event) (string, error) {
	start := time.Now()

	if err := audit.Validate(e); err != nil {
		metrics.RecordIngest("validation_error", time.Since(start))
		return "", err
	}
	enriched := s.enrich(ctx, e)

	rec, err := s.seal(ctx, enriched)
	if err != nil {
		metrics.RecordIngest("encryption_failure", time.Since(start))
		return "", err
	}

	queued, err := s.persist(ctx, rec)
	if err != nil {
		metrics.RecordIngest("store_failure", time.Since(start))
		return "", err
	}

	s.notify(enriched)

	if queued {
		metrics.RecordIngest("queued", time.Since(start))
	} else {
		metrics.RecordIngest("accepted", time.Since(start))
	}
	return enriched.ID, nil
}

// IngestBatch runs up to audit.BatchLimit events through the pipeline as
// one store transaction. Any validation failure rejects the whole batch;
// the returned error identifies the offending event.
func (s *Service) IngestBatch(ctx context.Context, events []*audit.Event) (*audit.BatchResult, error) {
	start := time.Now()
	metrics.IngestBatchSize.Observe(float64(len(events)))

	if err := audit.ValidateBatch(events); err != nil {
		metrics.RecordIngest("validation_error", time.Since(start))
		return nil, err
	}
	enriched := make([]*audit.Event, len(events))
	for i, e := range events {
		enriched[i] = s.enrich(ctx, e)
	}

	recs := make([]*audit.Record, len(enriched))
	for i, e := range enriched {
		rec, err := s.seal(ctx, e)
		if err != nil {
			metrics.RecordIngest("encryption_failure", time.Since(start))
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		recs[i] = rec
	}

	result, err := s.persistBatch(ctx, recs)
	if err != nil {
		metrics.RecordIngest("store_failure", time.Since(start))
		return result, err
	}

	for _, e := range enriched {
		s.notify(e)
	}
	metrics.RecordIngest("accepted", time.Since(start))
	return result, nil
}

// enrich clones the event and fills server-side transport metadata. The
// caller's event is never mutated. Identity fields are the caller's
// responsibility: an event without id or timestamp never reaches here.
func (s *Service) enrich(ctx context.Context, e *audit.Event) *audit.Event {
	clone := e.Clone()
	if m, ok := MetaFrom(ctx); ok {
		if clone.IPAddress == "" {
			clone.IPAddress = m.IPAddress
		}
		if clone.UserAgent == "" {
			clone.UserAgent = m.UserAgent
		}
		if clone.SessionID == "" {
			clone.SessionID = m.SessionID
		}
	}
	return clone
}

// seal encrypts the sensitive fields and derives the persisted record.
// The event passed in keeps its plaintext; the record never sees it.
func (s *Service) seal(ctx context.Context, e *audit.Event) (*audit.Record, error) {
	sealed := e.Clone()

	if sealed.UserEmail != "" && !crypto.IsEncrypted(sealed.UserEmail) {
		blob, err := s.provider.EncryptField(ctx, audit.FieldUserEmail, sealed.UserEmail)
		metrics.RecordCryptoOperation("encrypt", err)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrEncryptionFailure, audit.FieldUserEmail, err)
		}
		sealed.UserEmail = blob
	}

	var patientKey string
	if sealed.PatientID != "" && !crypto.IsEncrypted(sealed.PatientID) {
		token, err := s.provider.Tokenize(ctx, audit.FieldPatientID, sealed.PatientID)
		metrics.RecordCryptoOperation("tokenize", err)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrEncryptionFailure, audit.FieldPatientID, err)
		}
		patientKey = token

		blob, err := s.provider.EncryptField(ctx, audit.FieldPatientID, sealed.PatientID)
		metrics.RecordCryptoOperation("encrypt", err)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrEncryptionFailure, audit.FieldPatientID, err)
		}
		sealed.PatientID = blob
	}

	rec, err := audit.NewRecord(sealed, s.now().UTC(), s.cfg.Retention)
	if err != nil {
		return nil, err
	}
	rec.PatientKey = patientKey
	return rec, nil
}

// persist writes the record with bounded retry, spilling to the outbound
// queue when the budget is exhausted. Returns whether the record was queued
// rather than written.
func (s *Service) persist(ctx context.Context, rec *audit.Record) (bool, error) {
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()

		err := s.store.Put(attemptCtx, rec)
		if errors.Is(err, audit.ErrDuplicateRecord) {
			// An earlier attempt landed; the retry is a success.
			return nil
		}
		return err
	}

	err := backoff.Retry(op, s.newBackOff(ctx))
	if err == nil {
		return false, nil
	}
	return true, s.spill(ctx, rec, err)
}

// persistBatch writes the whole chunk with bounded retry. Store-level
// duplicates are reported as succeeded. On exhaustion, every record spills
// to the outbound queue individually.
func (s *Service) persistBatch(ctx context.Context, recs []*audit.Record) (*audit.BatchResult, error) {
	var result *audit.BatchResult
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()

		r, err := s.store.PutBatch(attemptCtx, recs)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	err := backoff.Retry(op, s.newBackOff(ctx))
	if err == nil {
		return result, nil
	}

	result = &audit.BatchResult{}
	for _, rec := range recs {
		if spillErr := s.spill(ctx, rec, err); spillErr != nil {
			result.Failed = append(result.Failed, audit.BatchFailure{ID: rec.ID, Err: spillErr.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, rec.ID)
	}
	if !result.OK() {
		return result, fmt.Errorf("%w: %d of %d events not persisted", ErrStoreWrite, len(result.Failed), len(recs))
	}
	return result, nil
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, s.cfg.RetryBudget), ctx)
}

// spill moves an encrypted record to the outbound queue. A full or missing
// queue converts the store failure into an error for the caller.
func (s *Service) spill(ctx context.Context, rec *audit.Record, cause error) error {
	if s.outbound == nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, cause)
	}

	entryID, err := s.outbound.Enqueue(ctx, rec)
	if err != nil {
		return fmt.Errorf("%w: %v (queue: %v)", ErrStoreWrite, cause, err)
	}

	metrics.QueueSpills.Inc()
	metrics.QueueDepth.Set(float64(s.outbound.Stats().Pending))
	logging.Warn().
		Str("event_id", rec.ID).
		Str("queue_entry", entryID).
		Err(cause).
		Msg("store write exhausted retries, record queued for replay")
	return nil
}

// notify hands the accepted event to the monitor without blocking the
// request. Panics in detectors are contained here.
func (s *Service) notify(e *audit.Event) {
	if s.notifier == nil {
		return
	}

	clone := e.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error().Interface("panic", r).Msg("monitor notify panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		s.notifier.Process(ctx, clone)
	}()
}
