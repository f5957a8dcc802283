// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package audit defines the audit event data model: the caller-supplied
// Event, the derived immutable Record that is persisted, and the Store
// contract the record layout is written against.
//
// A record, once written, is never mutated. Corrections are expressed as new
// records referencing the original through details. Retention is enforced by
// the store's own TTL mechanism, not by application sweeps, so that a bug in
// this code cannot shorten or extend the compliance window.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// EventType categorizes audit events. The set of known values is closed;
// values that do not match any known type canonicalize to EventTypeUnknown
// so that consumers can switch exhaustively instead of comparing raw strings.
type EventType string

const (
	// Authentication and session lifecycle
	EventTypeLogin           EventType = "LOGIN"
	EventTypeLoginFailure    EventType = "LOGIN_FAILURE"
	EventTypeLogout          EventType = "LOGOUT"
	EventTypeSessionTimeout  EventType = "SESSION_TIMEOUT"
	EventTypeSessionExtended EventType = "SESSION_EXTENDED"

	// PHI access
	EventTypePHIView   EventType = "PHI_VIEW"
	EventTypePHICreate EventType = "PHI_CREATE"
	EventTypePHIUpdate EventType = "PHI_UPDATE"
	EventTypePHIDelete EventType = "PHI_DELETE"
	EventTypePHIExport EventType = "PHI_EXPORT"

	// Security
	EventTypePermissionDenied   EventType = "PERMISSION_DENIED"
	EventTypeSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
	EventTypeBreakGlass         EventType = "BREAK_GLASS"

	// Administrative
	EventTypeConfigChange EventType = "CONFIG_CHANGE"

	// EventTypeUnknown is the explicit future/unknown case. Events carrying
	// an unrecognized type are still ingested and stored verbatim; they
	// canonicalize here for pattern matching.
	EventTypeUnknown EventType = "UNKNOWN"
)

// knownEventTypes is the closed set used by Known and Canonical.
var knownEventTypes = map[EventType]struct{}{
	EventTypeLogin:              {},
	EventTypeLoginFailure:       {},
	EventTypeLogout:             {},
	EventTypeSessionTimeout:     {},
	EventTypeSessionExtended:    {},
	EventTypePHIView:            {},
	EventTypePHICreate:          {},
	EventTypePHIUpdate:          {},
	EventTypePHIDelete:          {},
	EventTypePHIExport:          {},
	EventTypePermissionDenied:   {},
	EventTypeSuspiciousActivity: {},
	EventTypeBreakGlass:         {},
	EventTypeConfigChange:       {},
}

// Known reports whether t is one of the closed set of event types.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Canonical returns t if known, EventTypeUnknown otherwise.
// Switch on Canonical(), store the raw value.
func (t EventType) Canonical() EventType {
	if t.Known() {
		return t
	}
	return EventTypeUnknown
}

// IsPHI reports whether the event type is a PHI data-access type.
func (t EventType) IsPHI() bool {
	switch t.Canonical() {
	case EventTypePHIView, EventTypePHICreate, EventTypePHIUpdate,
		EventTypePHIDelete, EventTypePHIExport:
		return true
	default:
		return false
	}
}

// Result indicates the outcome of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultWarning Result = "warning"
)

// Valid reports whether r is a recognized result value.
func (r Result) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultWarning:
		return true
	default:
		return false
	}
}

// Names of the designated sensitive fields. These are the only Event fields
// the crypto provider seals; the plaintext never reaches the store.
const (
	FieldUserEmail = "userEmail"
	FieldPatientID = "patientId"
)

// Event is a caller-supplied audit event, not yet persisted.
type Event struct {
	// ID is the caller-supplied unique identifier. Batch retries are
	// idempotent per ID.
	ID string `json:"id" validate:"required"`

	// Timestamp is when the event occurred, RFC 3339.
	Timestamp string `json:"timestamp" validate:"required"`

	// UserID identifies the acting principal. Empty for system events.
	UserID string `json:"userId,omitempty"`

	// UserEmail is sensitive; stored encrypted.
	UserEmail string `json:"userEmail,omitempty"`

	// UserRole is the principal's role at the time of the action.
	UserRole string `json:"userRole,omitempty"`

	// Event categorizes the event.
	Event EventType `json:"event" validate:"required"`

	// Resource and ResourceID name the object of the action.
	Resource   string `json:"resource,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`

	// Action describes what was done.
	Action string `json:"action" validate:"required"`

	// Result is success, failure, or warning.
	Result Result `json:"result,omitempty" validate:"omitempty,oneof=success failure warning"`

	// IPAddress and UserAgent describe the request source. Filled from the
	// transport context when the caller omits them.
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	// Details is an opaque structured payload.
	Details json.RawMessage `json:"details,omitempty"`

	// PHIAccessed marks events that touched protected health information.
	// When true, PatientID is mandatory.
	PHIAccessed bool `json:"phiAccessed"`

	// PatientID is sensitive; stored encrypted, indexed via blind token.
	PatientID string `json:"patientId,omitempty"`

	// SessionID links the event to a session. Filled from the transport
	// context when omitted.
	SessionID string `json:"sessionId,omitempty"`
}

// Time parses the event timestamp.
func (e *Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Timestamp)
}

// Clone returns a deep copy of the event. Ingestion mutates its own copy
// during enrichment and encryption; the caller's event is never touched.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Details != nil {
		clone.Details = make(json.RawMessage, len(e.Details))
		copy(clone.Details, e.Details)
	}
	return &clone
}

// SystemPartition is the sentinel partition for events with no user.
// System events are low-volume relative to per-user events, so sharing one
// partition does not create a hot spot.
const SystemPartition = "SYSTEM"

// PartitionKey returns the store partition key for a user ID.
func PartitionKey(userID string) string {
	if userID == "" {
		userID = SystemPartition
	}
	return "USER#" + userID
}

// SortKey returns the store sort key for a timestamp and event ID.
// RFC 3339 timestamps collate chronologically, so lexicographic iteration
// over sort keys is iteration in time order.
func SortKey(timestamp, id string) string {
	return "LOG#" + timestamp + "#" + id
}

// Record is the immutable persisted form of an Event.
// UserEmail and PatientID hold ciphertext blobs; PatientKey is the
// deterministic blind-index token over the plaintext patient ID.
type Record struct {
	Event

	// PK and SK form the composite primary key.
	PK string `json:"pk"`
	SK string `json:"sk"`

	// RetentionUntil is ingestion time plus the configured retention period.
	RetentionUntil time.Time `json:"retentionUntil"`

	// DatePartition is the date-only projection of Timestamp, used by the
	// date index for range queries.
	DatePartition string `json:"datePartition"`

	// TTL is RetentionUntil in epoch seconds. The store purges records
	// whose TTL has elapsed on its own.
	TTL int64 `json:"ttl"`

	// PatientKey is the blind-index token for PatientID, present only when
	// PHIAccessed is true.
	PatientKey string `json:"patientKey,omitempty"`

	// IngestedAt is when the record was accepted.
	IngestedAt time.Time `json:"ingestedAt"`
}

// NewRecord derives the persisted record from a validated event.
// The caller is responsible for having validated the event first; a
// malformed timestamp is still rejected here as a last line of defense.
func NewRecord(e *Event, now time.Time, retention time.Duration) (*Record, error) {
	ts, err := e.Time()
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", EventID: e.ID, Message: "timestamp must be a valid RFC 3339 instant"}
	}

	retentionUntil := now.Add(retention)
	return &Record{
		Event:          *e,
		PK:             PartitionKey(e.UserID),
		SK:             SortKey(e.Timestamp, e.ID),
		RetentionUntil: retentionUntil,
		DatePartition:  ts.UTC().Format("2006-01-02"),
		TTL:            retentionUntil.Unix(),
		IngestedAt:     now,
	}, nil
}

// TimeRange bounds a query. Zero values mean unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range (inclusive).
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Page carries pagination inputs.
type Page struct {
	// Limit caps the number of records returned. Zero means the store default.
	Limit int

	// Cursor is an opaque token from a previous QueryResult.
	Cursor string
}

// QueryResult is one page of records, timestamp-descending, with the cursor
// for the next page ("" when exhausted).
type QueryResult struct {
	Records    []Record
	NextCursor string
}

// BatchFailure identifies one event that could not be persisted.
type BatchFailure struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// BatchResult reports the per-event outcome of a batch write.
// Ingestion never silently drops an event: every input ID appears in
// exactly one of the two lists.
type BatchResult struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed,omitempty"`
}

// OK reports whether every event in the batch was persisted.
func (r *BatchResult) OK() bool { return len(r.Failed) == 0 }

// Store errors. Implementations must return these sentinels (possibly
// wrapped) so callers can branch without importing the implementation.
var (
	// ErrDuplicateRecord is returned when a record's primary key already
	// exists. Records are immutable; history is never overwritten.
	ErrDuplicateRecord = errors.New("audit record already exists")

	// ErrRecordNotFound is returned by Get for a missing primary key.
	ErrRecordNotFound = errors.New("audit record not found")
)

// Store is the audit record persistence contract.
// Records are written once and never updated; Put of an existing primary key
// returns ErrDuplicateRecord so batch retries stay idempotent per event ID.
type Store interface {
	// Put persists a record and its index entries atomically.
	Put(ctx context.Context, rec *Record) error

	// PutBatch persists up to BatchLimit records as one atomic operation
	// per store transaction, reporting per-ID outcomes.
	PutBatch(ctx context.Context, recs []*Record) (*BatchResult, error)

	// Get retrieves a record by its composite primary key.
	Get(ctx context.Context, pk, sk string) (*Record, error)

	// QueryByUser reads a user's partition, timestamp-descending.
	QueryByUser(ctx context.Context, userID string, r TimeRange, p Page) (*QueryResult, error)

	// QueryByDate reads the date index for [r.Start, r.End].
	QueryByDate(ctx context.Context, r TimeRange, p Page) (*QueryResult, error)

	// QueryByEventType reads the event-type index.
	QueryByEventType(ctx context.Context, t EventType, r TimeRange, p Page) (*QueryResult, error)

	// QueryByPatient reads the PHI-access index by blind-index token.
	QueryByPatient(ctx context.Context, patientKey string, r TimeRange, p Page) (*QueryResult, error)

	// Close releases store resources.
	Close() error
}
