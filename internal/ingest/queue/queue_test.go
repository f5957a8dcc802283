// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/custodian/internal/audit"
)

func openTestQueue(t *testing.T, maxEntries int) *Queue {
	t.Helper()
	q, err := Open(Config{InMemory: true, MaxEntries: maxEntries})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

func queuedRecord(t *testing.T, id string) *audit.Record {
	t.Helper()
	e := &audit.Event{
		ID:        id,
		Timestamp: "2026-08-15T10:30:00Z",
		UserID:    "user-1",
		Event:     audit.EventTypeLogin,
		Action:    "user logged in",
	}
	rec, err := audit.NewRecord(e, time.Now(), 24*time.Hour)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return rec
}

func TestEnqueuePendingConfirm(t *testing.T) {
	q := openTestQueue(t, 10)
	ctx := context.Background()

	entryID, err := q.Enqueue(ctx, queuedRecord(t, "evt-1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].ID != entryID || pending[0].Record.ID != "evt-1" {
		t.Errorf("entry = %+v", pending[0])
	}

	if err := q.Confirm(ctx, entryID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	pending, err = q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d after confirm, want 0", len(pending))
	}
	if s := q.Stats(); s.Pending != 0 || s.TotalEnqueues != 1 || s.TotalConfirms != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestEnqueueBound(t *testing.T) {
	q := openTestQueue(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, queuedRecord(t, fmt.Sprintf("evt-%d", i))); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if _, err := q.Enqueue(ctx, queuedRecord(t, "evt-overflow")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	// Confirming frees capacity.
	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if err := q.Confirm(ctx, pending[0].ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := q.Enqueue(ctx, queuedRecord(t, "evt-retry")); err != nil {
		t.Errorf("Enqueue after confirm: %v", err)
	}
}

func TestFailTracksAttempts(t *testing.T) {
	q := openTestQueue(t, 10)
	ctx := context.Background()

	entryID, err := q.Enqueue(ctx, queuedRecord(t, "evt-1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Fail(ctx, entryID, errors.New("store unavailable")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := q.Fail(ctx, entryID, errors.New("store unavailable")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending[0].Attempts != 2 || pending[0].LastError != "store unavailable" {
		t.Errorf("entry = %+v", pending[0])
	}
}

func TestConfirmUnknownEntry(t *testing.T) {
	q := openTestQueue(t, 10)

	if err := q.Confirm(context.Background(), "no-such-entry"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestClosedQueue(t *testing.T) {
	q, err := Open(Config{InMemory: true, MaxEntries: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := q.Enqueue(context.Background(), queuedRecord(t, "evt-1")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}
