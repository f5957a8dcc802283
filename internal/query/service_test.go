// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/audit/store"
	"github.com/tomtom215/custodian/internal/authz"
	"github.com/tomtom215/custodian/internal/ingest"
)

var queryStart = time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

// fakeAuthz grants exactly the actions it is configured with.
type fakeAuthz struct {
	query   bool
	decrypt bool
}

func (f fakeAuthz) Allowed(_ authz.Principal, _, action string) (bool, error) {
	switch action {
	case authz.ActionQuery:
		return f.query, nil
	case authz.ActionDecrypt:
		return f.decrypt, nil
	}
	return false, nil
}

// fakeProvider is a reversible cipher for tests.
type fakeProvider struct{}

func (fakeProvider) KeyID() string { return "test" }

func (fakeProvider) EncryptField(_ context.Context, field, plaintext string) (string, error) {
	return "enc:v1:test:" + field + ":" + plaintext, nil
}

func (fakeProvider) DecryptField(_ context.Context, field, blob string) (string, error) {
	prefix := "enc:v1:test:" + field + ":"
	if !strings.HasPrefix(blob, prefix) {
		return "", errors.New("not a test blob")
	}
	return strings.TrimPrefix(blob, prefix), nil
}

func (fakeProvider) Tokenize(_ context.Context, field, value string) (string, error) {
	return "tok-" + field + "-" + value, nil
}

type captureAuditor struct {
	events []*audit.Event
}

func (c *captureAuditor) Ingest(_ context.Context, e *audit.Event) (string, error) {
	c.events = append(c.events, e)
	return e.ID, nil
}

// newTestService seeds a LOGIN at queryStart and a PHI_VIEW two minutes
// later, both for user-1, through the real ingestion pipeline.
func newTestService(t *testing.T, az fakeAuthz) (*Service, *captureAuditor) {
	t.Helper()

	st, err := store.Open(store.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	provider := fakeProvider{}
	ing := ingest.New(st, provider, ingest.Config{Retention: 2190 * 24 * time.Hour})
	ctx := context.Background()

	login := &audit.Event{
		ID:        "evt-login",
		Timestamp: queryStart.Format(time.RFC3339),
		UserID:    "user-1",
		UserEmail: "user-1@example.org",
		Event:     audit.EventTypeLogin,
		Action:    "signed in",
		Result:    audit.ResultSuccess,
	}
	phi := &audit.Event{
		ID:          "evt-phi",
		Timestamp:   queryStart.Add(2 * time.Minute).Format(time.RFC3339),
		UserID:      "user-1",
		Event:       audit.EventTypePHIView,
		Action:      "viewed chart",
		Result:      audit.ResultSuccess,
		PHIAccessed: true,
		PatientID:   "p1",
	}
	for _, e := range []*audit.Event{login, phi} {
		if _, err := ing.Ingest(ctx, e); err != nil {
			t.Fatalf("seed %s: %v", e.ID, err)
		}
	}

	auditor := &captureAuditor{}
	return New(st, provider, az, auditor), auditor
}

func TestQueryUnauthorized(t *testing.T) {
	svc, _ := newTestService(t, fakeAuthz{})

	page, err := svc.Query(context.Background(), authz.Principal{UserID: "nobody"}, Filter{UserID: "user-1"})
	if !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if page != nil {
		t.Error("unauthorized caller must learn nothing about matching records")
	}
}

func TestQueryRoundTripDecrypted(t *testing.T) {
	svc, _ := newTestService(t, fakeAuthz{query: true, decrypt: true})
	caller := authz.Principal{UserID: "reviewer-1", Role: "compliance_officer"}

	page, err := svc.Query(context.Background(), caller, Filter{
		UserID: "user-1",
		Start:  queryStart,
		End:    queryStart.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Count != 2 || len(page.Logs) != 2 {
		t.Fatalf("count = %d, want 2", page.Count)
	}
	if !page.Decrypted {
		t.Error("Decrypted = false for a caller holding the decrypt grant")
	}

	// Timestamp-descending: the PHI view came second.
	if page.Logs[0].ID != "evt-phi" || page.Logs[1].ID != "evt-login" {
		t.Errorf("order = %s, %s", page.Logs[0].ID, page.Logs[1].ID)
	}
	if page.Logs[0].PatientID != "p1" {
		t.Errorf("patientId = %q, want decrypted plaintext", page.Logs[0].PatientID)
	}
	if page.Logs[1].UserEmail != "user-1@example.org" {
		t.Errorf("userEmail = %q, want decrypted plaintext", page.Logs[1].UserEmail)
	}

	// Derived fields are internally consistent.
	rec := page.Logs[0]
	if rec.TTL != rec.RetentionUntil.Unix() {
		t.Errorf("ttl = %d, retentionUntil = %d", rec.TTL, rec.RetentionUntil.Unix())
	}
	ts, _ := rec.Time()
	if rec.DatePartition != ts.UTC().Format("2006-01-02") {
		t.Errorf("datePartition = %q", rec.DatePartition)
	}
}

func TestQueryWithoutDecryptGrant(t *testing.T) {
	svc, _ := newTestService(t, fakeAuthz{query: true})

	page, err := svc.Query(context.Background(), authz.Principal{UserID: "analyst-1"}, Filter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Decrypted {
		t.Error("Decrypted = true without the decrypt grant")
	}
	for _, rec := range page.Logs {
		if rec.PatientID != "" && !strings.HasPrefix(rec.PatientID, "enc:v1:") {
			t.Errorf("patientId = %q, want opaque ciphertext marker", rec.PatientID)
		}
		if rec.UserEmail != "" && !strings.HasPrefix(rec.UserEmail, "enc:v1:") {
			t.Errorf("userEmail = %q, want opaque ciphertext marker", rec.UserEmail)
		}
	}
}

func TestQuerySelfAuditsPHI(t *testing.T) {
	svc, auditor := newTestService(t, fakeAuthz{query: true, decrypt: true})
	caller := authz.Principal{UserID: "reviewer-1", Role: "compliance_officer"}

	if _, err := svc.Query(context.Background(), caller, Filter{UserID: "user-1"}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(auditor.events) != 1 {
		t.Fatalf("self-audit events = %d, want 1", len(auditor.events))
	}
	meta := auditor.events[0]
	if meta.Event != audit.EventTypePHIView {
		t.Errorf("event = %v, want PHI_VIEW", meta.Event)
	}
	if err := audit.Validate(meta); err != nil {
		t.Errorf("self-audit event fails ingestion validation: %v", err)
	}
	if meta.UserID != "reviewer-1" {
		t.Errorf("userId = %q, want the reviewer", meta.UserID)
	}

	// A query whose results carry no PHI is not self-audited.
	auditor.events = nil
	if _, err := svc.Query(context.Background(), caller, Filter{EventType: audit.EventTypeLogin}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(auditor.events) != 0 {
		t.Errorf("self-audit events = %d for a PHI-free result", len(auditor.events))
	}
}

func TestQueryPHIOnly(t *testing.T) {
	svc, _ := newTestService(t, fakeAuthz{query: true})

	page, err := svc.Query(context.Background(), authz.Principal{UserID: "analyst-1"}, Filter{
		UserID:  "user-1",
		PHIOnly: true,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Count != 1 || page.Logs[0].ID != "evt-phi" {
		t.Fatalf("page = %+v, want only the PHI record", page.Logs)
	}
}

func TestQueryByPatient(t *testing.T) {
	svc, _ := newTestService(t, fakeAuthz{query: true, decrypt: true})

	// The plaintext patient identifier is tokenized before lookup.
	page, err := svc.Query(context.Background(), authz.Principal{UserID: "reviewer-1"}, Filter{PatientID: "p1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Count != 1 || page.Logs[0].ID != "evt-phi" {
		t.Fatalf("page = %+v, want the patient's PHI record", page.Logs)
	}

	page, err = svc.Query(context.Background(), authz.Principal{UserID: "reviewer-1"}, Filter{PatientID: "p2"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Count != 0 {
		t.Errorf("count = %d for an unknown patient", page.Count)
	}
}

func TestQueryByEventType(t *testing.T) {
	svc, _ := newTestService(t, fakeAuthz{query: true})

	page, err := svc.Query(context.Background(), authz.Principal{UserID: "analyst-1"}, Filter{EventType: audit.EventTypeLogin})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Count != 1 || page.Logs[0].ID != "evt-login" {
		t.Fatalf("page = %+v, want only the login record", page.Logs)
	}
}
