// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/custodian/internal/audit"
)

const testRetention = 2190 * 24 * time.Hour

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testRecord(t *testing.T, id, userID, timestamp string) *audit.Record {
	t.Helper()
	e := &audit.Event{
		ID:        id,
		Timestamp: timestamp,
		UserID:    userID,
		Event:     audit.EventTypeLogin,
		Action:    "user logged in",
		Result:    audit.ResultSuccess,
	}
	rec, err := audit.NewRecord(e, time.Now(), testRetention)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return rec
}

func phiRecord(t *testing.T, id, userID, timestamp, patientKey string) *audit.Record {
	t.Helper()
	rec := testRecord(t, id, userID, timestamp)
	rec.Event.Event = audit.EventTypePHIView
	rec.PHIAccessed = true
	rec.PatientID = "enc:v1:primary:opaque"
	rec.PatientKey = patientKey
	return rec
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "evt-1", "user-1", "2026-08-15T10:30:00Z")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, rec.PK, rec.SK)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "evt-1" || got.UserID != "user-1" {
		t.Errorf("got ID=%q UserID=%q", got.ID, got.UserID)
	}
	if got.PK != "USER#user-1" {
		t.Errorf("PK = %q", got.PK)
	}
}

func TestPutDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "evt-1", "user-1", "2026-08-15T10:30:00Z")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(ctx, rec); !errors.Is(err, audit.ErrDuplicateRecord) {
		t.Errorf("second Put err = %v, want ErrDuplicateRecord", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "USER#nobody", "LOG#2026-08-15T10:30:00Z#missing")
	if !errors.Is(err, audit.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestPutBatchIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []*audit.Record{
		testRecord(t, "evt-1", "user-1", "2026-08-15T10:30:00Z"),
		testRecord(t, "evt-2", "user-1", "2026-08-15T10:31:00Z"),
	}

	// evt-1 was persisted by an earlier attempt.
	if err := s.Put(ctx, recs[0]); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := s.PutBatch(ctx, recs)
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if !result.OK() {
		t.Fatalf("Failed = %v", result.Failed)
	}
	if len(result.Succeeded) != 2 {
		t.Errorf("Succeeded = %v, want both IDs", result.Succeeded)
	}
}

func TestPutBatchTooLarge(t *testing.T) {
	s := openTestStore(t)

	recs := make([]*audit.Record, audit.BatchLimit+1)
	for i := range recs {
		recs[i] = testRecord(t, fmt.Sprintf("evt-%d", i), "user-1",
			"2026-08-15T10:30:00Z")
	}
	if _, err := s.PutBatch(context.Background(), recs); !errors.Is(err, audit.ErrBatchTooLarge) {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
}

func TestQueryByUserDescending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Inserted out of order; queries must come back newest first.
	for _, tc := range []struct{ id, ts string }{
		{"evt-2", "2026-08-15T10:31:00Z"},
		{"evt-1", "2026-08-15T10:30:00Z"},
		{"evt-3", "2026-08-15T10:32:00Z"},
	} {
		if err := s.Put(ctx, testRecord(t, tc.id, "user-1", tc.ts)); err != nil {
			t.Fatalf("Put %s: %v", tc.id, err)
		}
	}
	// Another user's records must not leak into the partition.
	if err := s.Put(ctx, testRecord(t, "evt-other", "user-2", "2026-08-15T10:30:30Z")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := s.QueryByUser(ctx, "user-1", audit.TimeRange{}, audit.Page{})
	if err != nil {
		t.Fatalf("QueryByUser: %v", err)
	}

	want := []string{"evt-3", "evt-2", "evt-1"}
	if len(result.Records) != len(want) {
		t.Fatalf("got %d records, want %d", len(result.Records), len(want))
	}
	for i, id := range want {
		if result.Records[i].ID != id {
			t.Errorf("record[%d].ID = %q, want %q", i, result.Records[i].ID, id)
		}
	}
	if result.NextCursor != "" {
		t.Errorf("NextCursor = %q, want empty on final page", result.NextCursor)
	}
}

func TestQueryPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ts := fmt.Sprintf("2026-08-15T10:3%d:00Z", i)
		if err := s.Put(ctx, testRecord(t, fmt.Sprintf("evt-%d", i), "user-1", ts)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	first, err := s.QueryByUser(ctx, "user-1", audit.TimeRange{}, audit.Page{Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Records) != 2 || first.NextCursor == "" {
		t.Fatalf("first page: %d records, cursor %q", len(first.Records), first.NextCursor)
	}
	if first.Records[0].ID != "evt-4" || first.Records[1].ID != "evt-3" {
		t.Errorf("first page IDs = %q, %q", first.Records[0].ID, first.Records[1].ID)
	}

	second, err := s.QueryByUser(ctx, "user-1", audit.TimeRange{}, audit.Page{Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Records) != 2 {
		t.Fatalf("second page: %d records", len(second.Records))
	}
	if second.Records[0].ID != "evt-2" || second.Records[1].ID != "evt-1" {
		t.Errorf("second page IDs = %q, %q", second.Records[0].ID, second.Records[1].ID)
	}

	third, err := s.QueryByUser(ctx, "user-1", audit.TimeRange{}, audit.Page{Limit: 2, Cursor: second.NextCursor})
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if len(third.Records) != 1 || third.Records[0].ID != "evt-0" {
		t.Errorf("third page = %+v", third.Records)
	}
	if third.NextCursor != "" {
		t.Errorf("NextCursor = %q, want empty", third.NextCursor)
	}
}

func TestQueryBadCursor(t *testing.T) {
	s := openTestStore(t)

	_, err := s.QueryByUser(context.Background(), "user-1", audit.TimeRange{}, audit.Page{Cursor: "!!not-base64!!"})
	if !errors.Is(err, ErrBadCursor) {
		t.Errorf("err = %v, want ErrBadCursor", err)
	}
}

func TestQueryTimeRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ts := fmt.Sprintf("2026-08-1%dT10:00:00Z", 4+i)
		if err := s.Put(ctx, testRecord(t, fmt.Sprintf("evt-%d", i), "user-1", ts)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	r := audit.TimeRange{
		Start: time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 15, 23, 59, 59, 0, time.UTC),
	}
	result, err := s.QueryByUser(ctx, "user-1", r, audit.Page{})
	if err != nil {
		t.Fatalf("QueryByUser: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].ID != "evt-1" {
		t.Errorf("records = %+v, want only evt-1", result.Records)
	}
}

func TestQueryByEventType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testRecord(t, "evt-1", "user-1", "2026-08-15T10:30:00Z")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, phiRecord(t, "evt-2", "user-2", "2026-08-15T10:31:00Z", "tok-a")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := s.QueryByEventType(ctx, audit.EventTypePHIView, audit.TimeRange{}, audit.Page{})
	if err != nil {
		t.Fatalf("QueryByEventType: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].ID != "evt-2" {
		t.Errorf("records = %+v, want only evt-2", result.Records)
	}
}

func TestQueryByDate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testRecord(t, "evt-1", "user-1", "2026-08-15T10:30:00Z")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, testRecord(t, "evt-2", "user-2", "2026-08-16T10:30:00Z")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r := audit.TimeRange{
		Start: time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC),
	}
	result, err := s.QueryByDate(ctx, r, audit.Page{})
	if err != nil {
		t.Fatalf("QueryByDate: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].ID != "evt-2" {
		t.Errorf("records = %+v, want only evt-2", result.Records)
	}
}

func TestQueryByPatient(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, phiRecord(t, "evt-1", "user-1", "2026-08-15T10:30:00Z", "tok-a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, phiRecord(t, "evt-2", "user-1", "2026-08-15T10:31:00Z", "tok-b")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Non-PHI records never enter the patient index.
	if err := s.Put(ctx, testRecord(t, "evt-3", "user-1", "2026-08-15T10:32:00Z")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := s.QueryByPatient(ctx, "tok-a", audit.TimeRange{}, audit.Page{})
	if err != nil {
		t.Fatalf("QueryByPatient: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].ID != "evt-1" {
		t.Errorf("records = %+v, want only evt-1", result.Records)
	}
}

func TestSystemPartition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "evt-sys", "", "2026-08-15T10:30:00Z")
	rec.Event.Event = audit.EventTypeConfigChange
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := s.QueryByUser(ctx, "", audit.TimeRange{}, audit.Page{})
	if err != nil {
		t.Fatalf("QueryByUser: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].PK != "USER#SYSTEM" {
		t.Errorf("records = %+v, want the system partition record", result.Records)
	}
}
