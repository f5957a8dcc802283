// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package session enforces the hard time bound on sessions that touch PHI.
//
// Each session gets a Guard: a mutex-serialized state machine driven by two
// timers, one for the warning and one for the expiry. Every qualifying
// activity cancels and reschedules both timers together; a generation
// counter discards callbacks from timers that were rescheduled after the
// callback was already in flight, so a stale timer can never fire a
// transition.
//
// When the bearer token's own lifetime is shorter than the PHI inactivity
// window, the token deadline governs: all scheduling and reporting uses
// min(phiDeadline, tokenDeadline).
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/clock"
	"github.com/tomtom215/custodian/internal/metrics"
)

// State is the guard's lifecycle state.
type State int

const (
	StateActive State = iota
	StateWarning
	StateExpired
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Kind classifies reported activity. Only qualifying kinds reset the
// inactivity baseline; anything else (polling, background fetches) is
// observed but does not keep the session alive.
type Kind string

const (
	KindPointer  Kind = "pointer"
	KindKeyboard Kind = "keyboard"
	KindScroll   Kind = "scroll"
	KindTouch    Kind = "touch"
)

// Qualifies reports whether this activity kind resets the baseline.
func (k Kind) Qualifies() bool {
	switch k {
	case KindPointer, KindKeyboard, KindScroll, KindTouch:
		return true
	default:
		return false
	}
}

// EndReason says why a session ended.
type EndReason string

const (
	EndTimeout      EndReason = "timeout"
	EndTokenExpired EndReason = "token_expired"
	EndLogout       EndReason = "logout"
	EndForced       EndReason = "forced"
)

// ErrExpired is returned for operations on a session that already ended.
var ErrExpired = errors.New("session has expired")

// Emitter receives the audit events a guard produces at its transitions
// (SESSION_EXTENDED, SESSION_TIMEOUT, LOGOUT). Delivery must not block;
// the manager wires this to the ingestion service's fire-and-forget path.
type Emitter interface {
	EmitSessionEvent(e *audit.Event)
}

// WarningFunc is invoked once per Active to Warning transition with the
// seconds remaining until expiry.
type WarningFunc func(sessionID string, remaining time.Duration)

// Config holds session timing parameters.
type Config struct {
	// Timeout is the inactivity window. Default 15 minutes, the
	// regulatory ceiling for PHI sessions.
	Timeout time.Duration

	// Warning is how long before expiry the warning fires. Default 2m.
	Warning time.Duration

	// Debounce collapses bursts of activity into a single baseline reset.
	// Default 1s.
	Debounce time.Duration
}

// DefaultConfig returns the regulatory defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:  15 * time.Minute,
		Warning:  2 * time.Minute,
		Debounce: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Warning <= 0 || c.Warning >= c.Timeout {
		c.Warning = d.Warning
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	return c
}

// Guard is the per-session state machine. All methods are safe for
// concurrent use; no state is shared between guards.
type Guard struct {
	cfg   Config
	clk   clock.Clock
	emit  Emitter
	warnf WarningFunc

	sessionID      string
	userID         string
	tokenExpiresAt time.Time

	mu          sync.Mutex
	state       State
	baseline    time.Time // later of session start and last qualifying activity
	lastReset   time.Time // debounce anchor
	context     string    // resource category currently being viewed
	endReason   EndReason
	ended       time.Time
	generation  uint64
	warnTimer   clock.Timer
	expireTimer clock.Timer
}

// NewGuard creates a guard in Active state and arms its timers.
// tokenExpiresAt may be zero when the token outlives any realistic session.
func NewGuard(cfg Config, clk clock.Clock, sessionID, userID string, tokenExpiresAt time.Time, emit Emitter, warnf WarningFunc) *Guard {
	g := &Guard{
		cfg:            cfg.withDefaults(),
		clk:            clk,
		emit:           emit,
		warnf:          warnf,
		sessionID:      sessionID,
		userID:         userID,
		tokenExpiresAt: tokenExpiresAt,
		state:          StateActive,
	}
	g.mu.Lock()
	g.baseline = clk.Now()
	g.schedule()
	g.mu.Unlock()

	metrics.SessionsActive.Inc()
	return g
}

// deadline returns min(phiDeadline, tokenDeadline). Caller holds mu.
func (g *Guard) deadline() time.Time {
	d := g.baseline.Add(g.cfg.Timeout)
	if !g.tokenExpiresAt.IsZero() && g.tokenExpiresAt.Before(d) {
		d = g.tokenExpiresAt
	}
	return d
}

// schedule cancels both timers and arms fresh ones against the current
// deadline. Caller holds mu and has verified the guard is not expired.
func (g *Guard) schedule() {
	g.stopTimers()
	g.generation++
	gen := g.generation

	now := g.clk.Now()
	deadline := g.deadline()
	warnAt := deadline.Add(-g.cfg.Warning)

	g.warnTimer = g.clk.AfterFunc(warnAt.Sub(now), func() { g.onWarn(gen) })
	g.expireTimer = g.clk.AfterFunc(deadline.Sub(now), func() { g.onExpire(gen) })
}

// stopTimers cancels both live timers. Caller holds mu.
func (g *Guard) stopTimers() {
	if g.warnTimer != nil {
		g.warnTimer.Stop()
		g.warnTimer = nil
	}
	if g.expireTimer != nil {
		g.expireTimer.Stop()
		g.expireTimer = nil
	}
}

func (g *Guard) onWarn(gen uint64) {
	g.mu.Lock()
	if gen != g.generation || g.state != StateActive {
		// Stale timer, or the warning already fired.
		g.mu.Unlock()
		return
	}
	g.state = StateWarning
	remaining := g.deadline().Sub(g.clk.Now())
	warnf := g.warnf
	sessionID := g.sessionID
	g.mu.Unlock()

	metrics.SessionTransitions.WithLabelValues("warning").Inc()
	if warnf != nil {
		warnf(sessionID, remaining)
	}
}

func (g *Guard) onExpire(gen uint64) {
	g.mu.Lock()
	if gen != g.generation || g.state == StateExpired {
		g.mu.Unlock()
		return
	}
	reason := EndTimeout
	if !g.tokenExpiresAt.IsZero() && !g.tokenExpiresAt.After(g.deadline()) {
		reason = EndTokenExpired
	}
	g.expireLocked(reason)
	g.mu.Unlock()
}

// expireLocked moves the guard to its terminal state and emits the audit
// event. Caller holds mu.
func (g *Guard) expireLocked(reason EndReason) {
	g.stopTimers()
	g.generation++
	g.state = StateExpired
	g.endReason = reason
	g.ended = g.clk.Now()

	metrics.SessionsActive.Dec()
	metrics.SessionTransitions.WithLabelValues("expired").Inc()

	switch reason {
	case EndLogout:
		metrics.SessionTimeouts.WithLabelValues("logout").Inc()
		g.emitLocked(audit.EventTypeLogout, "user logged out", nil)
	case EndTokenExpired:
		metrics.SessionTimeouts.WithLabelValues("token_expired").Inc()
		g.emitLocked(audit.EventTypeSessionTimeout, "session terminated, token expired", map[string]string{
			"reason":  string(reason),
			"context": g.context,
		})
	default:
		metrics.SessionTimeouts.WithLabelValues("timeout").Inc()
		g.emitLocked(audit.EventTypeSessionTimeout, "session timed out", map[string]string{
			"reason":  string(reason),
			"context": g.context,
		})
	}
}

// emitLocked hands an audit event to the emitter. Caller holds mu.
func (g *Guard) emitLocked(t audit.EventType, action string, details map[string]string) {
	if g.emit == nil {
		return
	}
	e := &audit.Event{
		ID:        uuid.New().String(),
		Timestamp: g.clk.Now().UTC().Format(time.RFC3339),
		UserID:    g.userID,
		SessionID: g.sessionID,
		Event:     t,
		Action:    action,
		Result:    audit.ResultSuccess,
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			e.Details = raw
		}
	}
	g.emit.EmitSessionEvent(e)
}

// Activity reports user activity. Qualifying kinds reset the inactivity
// baseline (debounced); a guard in Warning returns to Active and emits
// SESSION_EXTENDED. Returns ErrExpired on an ended session.
func (g *Guard) Activity(kind Kind) error {
	if !kind.Qualifies() {
		return nil
	}
	return g.extend(false)
}

// Continue is the explicit "continue session" action from the warning
// dialog. It bypasses the debounce.
func (g *Guard) Continue() error {
	return g.extend(true)
}

func (g *Guard) extend(explicit bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateExpired:
		return ErrExpired
	case StateActive:
		now := g.clk.Now()
		if !explicit && !g.lastReset.IsZero() && now.Sub(g.lastReset) < g.cfg.Debounce {
			return nil
		}
		g.lastReset = now
		g.baseline = now
		g.schedule()
		return nil
	case StateWarning:
		now := g.clk.Now()
		g.state = StateActive
		g.lastReset = now
		g.baseline = now
		g.schedule()
		metrics.SessionTransitions.WithLabelValues("active").Inc()
		g.emitLocked(audit.EventTypeSessionExtended, "session extended from warning", map[string]string{
			"context": g.context,
		})
		return nil
	}
	return nil
}

// Logout ends the session from any state. userInitiated distinguishes the
// user's own logout from a forced one.
func (g *Guard) Logout(userInitiated bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateExpired {
		return ErrExpired
	}
	if userInitiated {
		g.expireLocked(EndLogout)
	} else {
		g.expireLocked(EndForced)
	}
	return nil
}

// SetContext records the resource category currently being viewed. It is
// reported in details.context when the session expires mid-view.
func (g *Guard) SetContext(category string) {
	g.mu.Lock()
	g.context = category
	g.mu.Unlock()
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// EndReason returns why the session ended, or empty while it is live.
func (g *Guard) EndReason() EndReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.endReason
}

// endedAt returns when the session ended, zero while it is live.
func (g *Guard) endedAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ended
}

// Deadline returns the governing deadline, min(phiDeadline, tokenDeadline).
func (g *Guard) Deadline() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deadline()
}

// Remaining returns the time until the governing deadline, never negative.
func (g *Guard) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateExpired {
		return 0
	}
	r := g.deadline().Sub(g.clk.Now())
	if r < 0 {
		return 0
	}
	return r
}
