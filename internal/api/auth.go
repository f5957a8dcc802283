// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/tomtom215/custodian/internal/authz"
	"github.com/tomtom215/custodian/internal/ingest"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/session"
)

type principalKey struct{}

// PrincipalFrom extracts the authenticated caller from the context.
func PrincipalFrom(ctx context.Context) (authz.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(authz.Principal)
	return p, ok
}

// withPrincipal stores the authenticated caller in the context.
func withPrincipal(ctx context.Context, p authz.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authenticate verifies the bearer token against both the token and PHI
// deadlines and stores the caller's identity and request metadata in the
// context. The server-side check is authoritative; a request arriving
// after either deadline is rejected regardless of what the client's own
// countdown believed.
func (router *Router) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			NewResponseWriter(w, r).Unauthorized(ErrCodeUnauthorized, "missing bearer token")
			return
		}

		claims, err := router.sessions.ParseClaims(token)
		if err != nil {
			NewResponseWriter(w, r).Unauthorized(ErrCodeUnauthorized, "invalid bearer token")
			return
		}

		res := router.sessions.Verify(token)
		if !res.Valid {
			code := ErrCodeUnauthorized
			if res.Reason == session.ReasonSessionExpired {
				code = ErrCodeSessionExpired
			}
			logging.Debug().
				Str("session_id", claims.SessionID).
				Str("reason", res.Reason).
				Msg("rejected request for ended session")
			NewResponseWriter(w, r).Unauthorized(code, res.Reason)
			return
		}

		ctx := withPrincipal(r.Context(), authz.Principal{
			UserID: claims.Subject,
			Role:   claims.Role,
		})
		ctx = ingest.WithMeta(ctx, ingest.Meta{
			IPAddress: remoteIP(r),
			UserAgent: r.UserAgent(),
			SessionID: claims.SessionID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// remoteIP strips the port from RemoteAddr. chi's RealIP middleware has
// already rewritten it from X-Forwarded-For when behind a proxy.
func remoteIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 && !strings.HasSuffix(addr, "]") {
		host := addr[:i]
		if !strings.Contains(host, ":") || strings.HasPrefix(host, "[") {
			return strings.Trim(host, "[]")
		}
	}
	return addr
}
