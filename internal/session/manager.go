// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/custodian/internal/clock"
	"github.com/tomtom215/custodian/internal/logging"
)

// Manager errors.
var (
	// ErrUnknownSession is returned for operations on a session ID the
	// manager is not tracking.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSecretTooShort rejects JWT secrets under 32 bytes.
	ErrSecretTooShort = errors.New("jwt secret must be at least 32 bytes")
)

// Verification reasons. The wire contract distinguishes a session ended by
// the PHI inactivity window from one ended by the token's own lifetime.
const (
	ReasonTokenInvalid   = "token invalid"
	ReasonTokenExpired   = "token expired"
	ReasonSessionExpired = "PHI session expired"
)

// Claims are the bearer token claims the manager understands.
// UserID rides in the registered subject claim.
type Claims struct {
	SessionID string `json:"sid"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// VerifyResult is the server-side authoritative session check. Client-side
// countdown timers are a UX convenience only; this result is what decides
// whether a request may proceed.
type VerifyResult struct {
	Valid         bool       `json:"valid"`
	Reason        string     `json:"reason,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	TimeRemaining int64      `json:"timeRemaining,omitempty"`
}

// Manager tracks one Guard per live session and verifies bearer tokens
// against both the token and PHI deadlines.
type Manager struct {
	cfg    Config
	clk    clock.Clock
	emit   Emitter
	warnf  WarningFunc
	secret []byte

	mu     sync.RWMutex
	guards map[string]*Guard
}

// NewManager builds a manager. The secret signs and verifies session
// bearer tokens (HMAC-SHA256).
func NewManager(cfg Config, clk clock.Clock, secret []byte, emit Emitter, warnf WarningFunc) (*Manager, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		clk:    clk,
		emit:   emit,
		warnf:  warnf,
		secret: secret,
		guards: make(map[string]*Guard),
	}, nil
}

// GenerateToken issues a session bearer token.
func (m *Manager) GenerateToken(sessionID, userID, role string, lifetime time.Duration) (string, error) {
	now := m.clk.Now()
	claims := &Claims{
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseClaims validates signature, algorithm, and registered time claims,
// returning the token's claims. The API layer uses it to identify callers.
func (m *Manager) ParseClaims(tokenString string) (*Claims, error) {
	return m.parseToken(tokenString)
}

// parseToken validates signature, algorithm, and registered time claims.
func (m *Manager) parseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.clk.Now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Create registers a guard for a freshly authenticated session and arms its
// timers. Creating an already-tracked session returns the existing guard.
func (m *Manager) Create(sessionID, userID string, tokenExpiresAt time.Time) *Guard {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.guards[sessionID]; ok {
		return g
	}
	g := NewGuard(m.cfg, m.clk, sessionID, userID, tokenExpiresAt, m.emit, m.warnf)
	m.guards[sessionID] = g

	logging.Debug().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Msg("session guard armed")
	return g
}

// Get returns the guard for a session, if tracked.
func (m *Manager) Get(sessionID string) (*Guard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.guards[sessionID]
	return g, ok
}

// Activity forwards an activity report to the session's guard.
func (m *Manager) Activity(sessionID string, kind Kind) error {
	g, ok := m.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	return g.Activity(kind)
}

// Continue forwards the explicit continue action.
func (m *Manager) Continue(sessionID string) error {
	g, ok := m.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	return g.Continue()
}

// Logout ends a session. The expired guard stays tracked until the reaper
// sweeps it, so a still-valid token cannot resurrect the session through
// Verify.
func (m *Manager) Logout(sessionID string, userInitiated bool) error {
	g, ok := m.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	return g.Logout(userInitiated)
}

// SetContext records the resource category a session is viewing.
func (m *Manager) SetContext(sessionID, category string) error {
	g, ok := m.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	g.SetContext(category)
	return nil
}

// Verify is the authoritative session check for a bearer token.
//
// A valid token whose session is not yet tracked arms a guard on first
// contact, so the PHI inactivity window governs from the first verified
// request onward. An expired guard is never resurrected.
func (m *Manager) Verify(tokenString string) *VerifyResult {
	claims, err := m.parseToken(tokenString)
	if err != nil {
		reason := ReasonTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = ReasonTokenExpired
		}
		return &VerifyResult{Valid: false, Reason: reason}
	}

	g, ok := m.Get(claims.SessionID)
	if !ok {
		var exp time.Time
		if claims.ExpiresAt != nil {
			exp = claims.ExpiresAt.Time
		}
		g = m.Create(claims.SessionID, claims.Subject, exp)
	}

	if g.State() == StateExpired {
		reason := ReasonSessionExpired
		if g.EndReason() == EndTokenExpired {
			reason = ReasonTokenExpired
		}
		return &VerifyResult{Valid: false, Reason: reason}
	}

	deadline := g.Deadline()
	return &VerifyResult{
		Valid:         true,
		ExpiresAt:     &deadline,
		TimeRemaining: int64(g.Remaining().Seconds()),
	}
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.guards)
}

// guardRetention is how long an ended guard with no token deadline is kept
// before the reaper forgets it.
const guardRetention = 24 * time.Hour

// Sweep drops ended guards that can no longer be verified against: either
// their token deadline has passed, or they have been expired longer than
// guardRetention. Ended guards are kept that long so Verify keeps reporting
// "PHI session expired" instead of trusting a still-valid token.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	removed := 0
	for id, g := range m.guards {
		if g.State() != StateExpired {
			continue
		}
		tokenGone := !g.tokenExpiresAt.IsZero() && now.After(g.tokenExpiresAt)
		retired := !g.endedAt().IsZero() && now.Sub(g.endedAt()) > guardRetention
		if tokenGone || retired {
			delete(m.guards, id)
			removed++
		}
	}
	return removed
}

// Reaper periodically sweeps ended sessions. Runs as a supervised service.
type Reaper struct {
	manager  *Manager
	Interval time.Duration
}

// NewReaper builds a reaper with a 1 minute sweep interval.
func NewReaper(m *Manager) *Reaper {
	return &Reaper{manager: m, Interval: time.Minute}
}

// Serve implements suture.Service.
func (r *Reaper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.manager.Sweep(); n > 0 {
				logging.Debug().Int("removed", n).Msg("swept ended sessions")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (r *Reaper) String() string {
	return "session-reaper"
}
