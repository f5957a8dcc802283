// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// BatchLimit is the hard cap on events per batch, matching the store's
// batch-write limit.
const BatchLimit = 25

// ValidationError reports a malformed or incomplete event. It is the
// caller's fault and is never retried by the service.
type ValidationError struct {
	// Field is the offending field, in its JSON name.
	Field string `json:"field"`

	// EventID identifies the offending entry in a batch ("" when the
	// event's own id is the problem or the call was single-event).
	EventID string `json:"eventId,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("validation failed for event %s, field %s: %s", e.EventID, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed, field %s: %s", e.Field, e.Message)
}

// ErrBatchTooLarge is returned for batches exceeding BatchLimit.
var ErrBatchTooLarge = fmt.Errorf("batch exceeds the limit of %d events", BatchLimit)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// structValidator returns the shared validator instance.
// validator.Validate is thread-safe and caches struct metadata.
func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks an event against the ingestion rules:
// id, timestamp, event, action non-empty; timestamp parses as RFC 3339;
// result, when present, is one of the known values; and phiAccessed implies
// patientId. Violations are reported before any side effect occurs.
func Validate(e *Event) error {
	if e == nil {
		return &ValidationError{Field: "event", Message: "event is required"}
	}

	if err := structValidator().Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return &ValidationError{
				Field:   jsonFieldName(first.Field()),
				EventID: e.ID,
				Message: validationMessage(first),
			}
		}
		return &ValidationError{Field: "event", EventID: e.ID, Message: err.Error()}
	}

	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return &ValidationError{
			Field:   "timestamp",
			EventID: e.ID,
			Message: "timestamp must be a valid RFC 3339 instant",
		}
	}

	// PHI access without a patient identifier cannot be attributed during a
	// compliance review. Enforced before encryption, on plaintext.
	if e.PHIAccessed && e.PatientID == "" {
		return &ValidationError{
			Field:   "patientId",
			EventID: e.ID,
			Message: "patientId is required when phiAccessed is true",
		}
	}

	return nil
}

// ValidateBatch checks batch size and every entry. The whole batch is
// rejected on the first violation; nothing is partially applied.
func ValidateBatch(events []*Event) error {
	if len(events) == 0 {
		return &ValidationError{Field: "events", Message: "batch must contain at least one event"}
	}
	if len(events) > BatchLimit {
		return ErrBatchTooLarge
	}

	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if err := Validate(e); err != nil {
			return err
		}
		if _, dup := seen[e.ID]; dup {
			return &ValidationError{
				Field:   "id",
				EventID: e.ID,
				Message: "duplicate event id within batch",
			}
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

// jsonFieldName maps struct field names to their JSON names for error
// reporting. Covers only the validated fields.
func jsonFieldName(structField string) string {
	switch structField {
	case "ID":
		return "id"
	case "Timestamp":
		return "timestamp"
	case "Event":
		return "event"
	case "Action":
		return "action"
	case "Result":
		return "result"
	default:
		return structField
	}
}

// validationMessage renders a terse message for a failed validator tag.
func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return jsonFieldName(fe.Field()) + " is required"
	case "oneof":
		return jsonFieldName(fe.Field()) + " must be one of: " + fe.Param()
	default:
		return jsonFieldName(fe.Field()) + " is invalid"
	}
}
