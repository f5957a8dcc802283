// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/clock"
)

var testStart = time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

// captureEmitter records emitted audit events.
type captureEmitter struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (c *captureEmitter) EmitSessionEvent(e *audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEmitter) byType(t audit.EventType) []*audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*audit.Event
	for _, e := range c.events {
		if e.Event == t {
			out = append(out, e)
		}
	}
	return out
}

// warnCounter records warning callbacks.
type warnCounter struct {
	mu        sync.Mutex
	count     int
	remaining time.Duration
}

func (w *warnCounter) fn(_ string, remaining time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	w.remaining = remaining
}

func (w *warnCounter) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func newTestGuard(t *testing.T, tokenExpiresAt time.Time) (*Guard, *clock.Manual, *captureEmitter, *warnCounter) {
	t.Helper()
	clk := clock.NewManual(testStart)
	emitter := &captureEmitter{}
	warns := &warnCounter{}
	g := NewGuard(DefaultConfig(), clk, "sess-1", "user-1", tokenExpiresAt, emitter, warns.fn)
	return g, clk, emitter, warns
}

func TestGuardWarningAndExpiry(t *testing.T) {
	g, clk, emitter, warns := newTestGuard(t, time.Time{})
	g.SetContext("phi")

	clk.Advance(12 * time.Minute)
	if g.State() != StateActive {
		t.Fatalf("state at 12m = %v", g.State())
	}

	clk.Advance(time.Minute) // 13m = timeout - warning
	if g.State() != StateWarning {
		t.Fatalf("state at 13m = %v, want warning", g.State())
	}
	if warns.calls() != 1 {
		t.Errorf("warning callbacks = %d", warns.calls())
	}
	if warns.remaining != 2*time.Minute {
		t.Errorf("remaining at warning = %v, want 2m", warns.remaining)
	}

	clk.Advance(2 * time.Minute) // 15m
	if g.State() != StateExpired {
		t.Fatalf("state at 15m = %v, want expired", g.State())
	}

	timeouts := emitter.byType(audit.EventTypeSessionTimeout)
	if len(timeouts) != 1 {
		t.Fatalf("SESSION_TIMEOUT events = %d", len(timeouts))
	}
	// Emitted events must be ingestible as-is.
	if err := audit.Validate(timeouts[0]); err != nil {
		t.Errorf("emitted event fails ingestion validation: %v", err)
	}
	var details map[string]string
	if err := json.Unmarshal(timeouts[0].Details, &details); err != nil {
		t.Fatalf("details: %v", err)
	}
	if details["context"] != "phi" {
		t.Errorf("details.context = %q, want the viewed resource category", details["context"])
	}
}

func TestGuardActivityResetsBaseline(t *testing.T) {
	g, clk, _, _ := newTestGuard(t, time.Time{})

	clk.Advance(10 * time.Minute)
	if err := g.Activity(KindKeyboard); err != nil {
		t.Fatalf("Activity: %v", err)
	}

	// 14m after the reset: old timers would have fired long ago.
	clk.Advance(14 * time.Minute)
	if g.State() == StateExpired {
		t.Fatal("guard expired despite activity reset")
	}
	if g.State() != StateWarning {
		t.Errorf("state = %v, want warning at 14m after reset", g.State())
	}

	clk.Advance(time.Minute)
	if g.State() != StateExpired {
		t.Errorf("state = %v, want expired at 15m after reset", g.State())
	}
}

func TestGuardWarningToActiveEmitsExtension(t *testing.T) {
	g, clk, emitter, warns := newTestGuard(t, time.Time{})

	clk.Advance(13 * time.Minute)
	if g.State() != StateWarning {
		t.Fatalf("state = %v", g.State())
	}

	if err := g.Activity(KindPointer); err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if g.State() != StateActive {
		t.Fatalf("state = %v, want active after extension", g.State())
	}
	if got := emitter.byType(audit.EventTypeSessionExtended); len(got) != 1 {
		t.Errorf("SESSION_EXTENDED events = %d", len(got))
	}

	// A fresh full window applies after the extension.
	clk.Advance(13 * time.Minute)
	if g.State() != StateWarning {
		t.Errorf("state = %v, want warning again", g.State())
	}
	if warns.calls() != 2 {
		t.Errorf("warning callbacks = %d", warns.calls())
	}
}

func TestGuardWarningIsIdempotent(t *testing.T) {
	g, clk, _, warns := newTestGuard(t, time.Time{})

	clk.Advance(13 * time.Minute)
	clk.Advance(0)
	clk.Advance(time.Second)
	if g.State() != StateWarning {
		t.Fatalf("state = %v", g.State())
	}
	if warns.calls() != 1 {
		t.Errorf("warning callbacks = %d, repeated triggers must collapse", warns.calls())
	}
}

func TestGuardDebounce(t *testing.T) {
	g, clk, _, _ := newTestGuard(t, time.Time{})

	clk.Advance(5 * time.Minute)
	if err := g.Activity(KindPointer); err != nil {
		t.Fatalf("Activity: %v", err)
	}
	first := g.Deadline()

	// A burst within the debounce window must not move the deadline.
	clk.Advance(500 * time.Millisecond)
	if err := g.Activity(KindPointer); err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if !g.Deadline().Equal(first) {
		t.Errorf("deadline moved by debounced activity: %v -> %v", first, g.Deadline())
	}

	// Past the window the reset applies.
	clk.Advance(time.Second)
	if err := g.Activity(KindPointer); err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if !g.Deadline().After(first) {
		t.Error("deadline did not move after the debounce window")
	}
}

func TestGuardNonQualifyingActivity(t *testing.T) {
	g, clk, _, _ := newTestGuard(t, time.Time{})

	first := g.Deadline()
	clk.Advance(5 * time.Minute)
	if err := g.Activity(Kind("poll")); err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if !g.Deadline().Equal(first) {
		t.Error("non-qualifying activity must not reset the baseline")
	}
}

func TestGuardTokenDeadlineGoverns(t *testing.T) {
	// Token lives 10 minutes; shorter than the 15 minute PHI window.
	g, clk, emitter, warns := newTestGuard(t, testStart.Add(10*time.Minute))

	if got := g.Remaining(); got != 10*time.Minute {
		t.Errorf("Remaining = %v, want 10m (token governs)", got)
	}

	clk.Advance(8 * time.Minute)
	if g.State() != StateWarning {
		t.Fatalf("state at 8m = %v, want warning (10m - 2m)", g.State())
	}
	if warns.calls() != 1 {
		t.Errorf("warning callbacks = %d", warns.calls())
	}

	// Activity cannot extend past the token deadline.
	if err := g.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if got := g.Remaining(); got != 2*time.Minute {
		t.Errorf("Remaining after continue = %v, token still governs", got)
	}

	clk.Advance(2 * time.Minute)
	if g.State() != StateExpired {
		t.Fatalf("state at 10m = %v", g.State())
	}
	if g.EndReason() != EndTokenExpired {
		t.Errorf("EndReason = %v, want token_expired", g.EndReason())
	}
	if got := emitter.byType(audit.EventTypeSessionTimeout); len(got) != 1 {
		t.Errorf("SESSION_TIMEOUT events = %d", len(got))
	}
}

func TestGuardLogout(t *testing.T) {
	g, _, emitter, _ := newTestGuard(t, time.Time{})

	if err := g.Logout(true); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if g.State() != StateExpired {
		t.Fatalf("state = %v", g.State())
	}
	if got := emitter.byType(audit.EventTypeLogout); len(got) != 1 {
		t.Errorf("LOGOUT events = %d", len(got))
	}
	if got := emitter.byType(audit.EventTypeSessionTimeout); len(got) != 0 {
		t.Errorf("user logout must not emit SESSION_TIMEOUT, got %d", len(got))
	}
}

func TestGuardForcedLogout(t *testing.T) {
	g, _, emitter, _ := newTestGuard(t, time.Time{})

	if err := g.Logout(false); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := emitter.byType(audit.EventTypeSessionTimeout); len(got) != 1 {
		t.Errorf("forced logout must emit SESSION_TIMEOUT, got %d", len(got))
	}
}

func TestGuardExpiredIsTerminal(t *testing.T) {
	g, clk, emitter, _ := newTestGuard(t, time.Time{})

	clk.Advance(15 * time.Minute)
	if g.State() != StateExpired {
		t.Fatalf("state = %v", g.State())
	}

	if err := g.Activity(KindKeyboard); !errors.Is(err, ErrExpired) {
		t.Errorf("Activity on expired = %v, want ErrExpired", err)
	}
	if err := g.Continue(); !errors.Is(err, ErrExpired) {
		t.Errorf("Continue on expired = %v, want ErrExpired", err)
	}
	if err := g.Logout(true); !errors.Is(err, ErrExpired) {
		t.Errorf("Logout on expired = %v, want ErrExpired", err)
	}
	if g.Remaining() != 0 {
		t.Errorf("Remaining = %v on expired session", g.Remaining())
	}
	if got := emitter.byType(audit.EventTypeSessionTimeout); len(got) != 1 {
		t.Errorf("SESSION_TIMEOUT events = %d, expiry must emit exactly once", len(got))
	}
}
