// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package query serves audit record retrieval for authorized reviewers.
//
// Decryption of sensitive fields is a separate grant from querying: a
// caller with audit:query but not audit:decrypt receives records whose
// userEmail and patientId remain opaque ciphertext markers. A caller with
// neither grant receives nothing at all, not even record counts. Queries
// whose results touch PHI are themselves written back into the audit trail
// as PHI_VIEW events.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/authz"
	"github.com/tomtom215/custodian/internal/crypto"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/metrics"
)

// Filter selects audit records. Zero values mean "no constraint".
type Filter struct {
	// UserID scopes the query to one user's partition.
	UserID string `json:"userId,omitempty"`

	// PatientID scopes the query to PHI accesses for one patient. The
	// plaintext identifier is tokenized to its blind index before lookup
	// and never reaches the store.
	PatientID string `json:"patientId,omitempty"`

	// Start and End bound the record timestamps (inclusive).
	Start time.Time `json:"startDate,omitempty"`
	End   time.Time `json:"endDate,omitempty"`

	// EventType restricts to one event type.
	EventType audit.EventType `json:"eventType,omitempty"`

	// PHIOnly keeps only records that touched protected health information.
	PHIOnly bool `json:"phiOnly,omitempty"`

	// Limit caps the page size. Zero means the store default.
	Limit int `json:"limit,omitempty"`

	// Cursor resumes a previous query.
	Cursor string `json:"-"`
}

// ResultPage is one page of matching records, timestamp-descending.
type ResultPage struct {
	Logs []audit.Record `json:"logs"`

	// Count is the number of records in this page.
	Count int `json:"count"`

	// Cursor resumes the query on the next page, "" when exhausted.
	Cursor string `json:"cursor,omitempty"`

	// Decrypted reports whether sensitive fields were unsealed for this
	// caller. False means userEmail and patientId are ciphertext markers.
	Decrypted bool `json:"decrypted"`
}

// Auditor records the query itself back into the audit trail.
// The ingestion service satisfies this.
type Auditor interface {
	Ingest(ctx context.Context, e *audit.Event) (string, error)
}

// Service answers audit queries.
type Service struct {
	store      audit.Store
	provider   crypto.Provider
	authorizer authz.Authorizer
	auditor    Auditor
}

// New builds a query service. auditor may be nil, in which case queries
// are not written back into the trail (tests only; production wiring
// always passes the ingestion service).
func New(store audit.Store, provider crypto.Provider, authorizer authz.Authorizer, auditor Auditor) *Service {
	return &Service{
		store:      store,
		provider:   provider,
		authorizer: authorizer,
		auditor:    auditor,
	}
}

// Query returns the records matching the filter, decrypting sensitive
// fields only when the caller holds the audit:decrypt grant. Callers
// without audit:query at all receive authz.ErrUnauthorized and learn
// nothing about matching records.
func (s *Service) Query(ctx context.Context, caller authz.Principal, f Filter) (*ResultPage, error) {
	allowed, err := s.authorizer.Allowed(caller, authz.ObjectAudit, authz.ActionQuery)
	if err != nil {
		return nil, fmt.Errorf("authorization check: %w", err)
	}
	if !allowed {
		return nil, authz.ErrUnauthorized
	}

	start := time.Now()
	index, result, err := s.run(ctx, f)
	metrics.RecordQuery(index, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	records := result.Records
	if f.PHIOnly {
		records = filterPHI(records)
	}

	canDecrypt, err := s.authorizer.Allowed(caller, authz.ObjectAudit, authz.ActionDecrypt)
	if err != nil {
		return nil, fmt.Errorf("authorization check: %w", err)
	}
	if canDecrypt {
		s.unseal(ctx, records)
	}

	page := &ResultPage{
		Logs:      records,
		Count:     len(records),
		Cursor:    result.NextCursor,
		Decrypted: canDecrypt,
	}
	s.selfAudit(ctx, caller, f, page)
	return page, nil
}

// run dispatches to the index matching the filter and reports which
// index served the query.
func (s *Service) run(ctx context.Context, f Filter) (string, *audit.QueryResult, error) {
	r := audit.TimeRange{Start: f.Start, End: f.End}
	p := audit.Page{Limit: f.Limit, Cursor: f.Cursor}

	switch {
	case f.PatientID != "":
		key := f.PatientID
		if !crypto.IsEncrypted(key) {
			token, err := s.provider.Tokenize(ctx, audit.FieldPatientID, key)
			metrics.RecordCryptoOperation("tokenize", err)
			if err != nil {
				return "patient", nil, fmt.Errorf("patient lookup: %w", err)
			}
			key = token
		}
		res, err := s.store.QueryByPatient(ctx, key, r, p)
		return "patient", res, err

	case f.UserID != "":
		res, err := s.store.QueryByUser(ctx, f.UserID, r, p)
		return "user", res, err

	case f.EventType != "":
		res, err := s.store.QueryByEventType(ctx, f.EventType, r, p)
		return "event", res, err

	default:
		res, err := s.store.QueryByDate(ctx, r, p)
		return "date", res, err
	}
}

// unseal decrypts sensitive fields in place. A field that fails to
// decrypt keeps its ciphertext marker; one bad blob must not poison the
// rest of the page.
func (s *Service) unseal(ctx context.Context, records []audit.Record) {
	for i := range records {
		rec := &records[i]
		if crypto.IsEncrypted(rec.UserEmail) {
			plain, err := s.provider.DecryptField(ctx, audit.FieldUserEmail, rec.UserEmail)
			metrics.RecordCryptoOperation("decrypt", err)
			if err != nil {
				logging.Warn().Str("record_id", rec.ID).Err(err).Msg("userEmail decrypt failed, returning ciphertext")
				continue
			}
			rec.UserEmail = plain
		}
	}
	for i := range records {
		rec := &records[i]
		if crypto.IsEncrypted(rec.PatientID) {
			plain, err := s.provider.DecryptField(ctx, audit.FieldPatientID, rec.PatientID)
			metrics.RecordCryptoOperation("decrypt", err)
			if err != nil {
				logging.Warn().Str("record_id", rec.ID).Err(err).Msg("patientId decrypt failed, returning ciphertext")
				continue
			}
			rec.PatientID = plain
		}
	}
}

// selfAudit writes a PHI_VIEW event for queries whose results include
// PHI. Failure to self-audit is logged but never fails the query the
// reviewer already received.
func (s *Service) selfAudit(ctx context.Context, caller authz.Principal, f Filter, page *ResultPage) {
	if s.auditor == nil {
		return
	}

	phi := 0
	for i := range page.Logs {
		if page.Logs[i].PHIAccessed {
			phi++
		}
	}
	if phi == 0 {
		return
	}

	details, _ := json.Marshal(map[string]any{
		"recordCount":    page.Count,
		"phiRecordCount": phi,
		"decrypted":      page.Decrypted,
		"filter":         f,
	})
	e := &audit.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UserID:    caller.UserID,
		UserRole:  caller.Role,
		Event:     audit.EventTypePHIView,
		Resource:  "audit_logs",
		Action:    "queried audit records containing PHI",
		Result:    audit.ResultSuccess,
		Details:   details,
	}
	if _, err := s.auditor.Ingest(ctx, e); err != nil {
		logging.Error().Str("user_id", caller.UserID).Err(err).Msg("query self-audit failed")
	}
}

func filterPHI(records []audit.Record) []audit.Record {
	out := records[:0]
	for i := range records {
		if records[i].PHIAccessed {
			out = append(out, records[i])
		}
	}
	return out
}
