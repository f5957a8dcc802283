// Custodian - PHI Session Compliance and Audit Logging
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/custodian/internal/audit"
	"github.com/tomtom215/custodian/internal/ingest"
	"github.com/tomtom215/custodian/internal/query"
	"github.com/tomtom215/custodian/internal/session"
)

// maxBodyBytes bounds request bodies. A full batch of events with details
// payloads stays well under this.
const maxBodyBytes = 1 << 20

// IngestLog handles POST /api/v1/audit/logs.
func (router *Router) IngestLog(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var event audit.Event
	if err := decodeBody(r, &event); err != nil {
		rw.BadRequest("request body must be a single audit event")
		return
	}

	id, err := router.ingest.Ingest(r.Context(), &event)
	if err != nil {
		rw.ServiceError(err)
		return
	}
	rw.Created(map[string]string{"id": id})
}

// batchRequest is the enveloped POST /api/v1/audit/batch body. A bare
// JSON array of events is accepted too.
type batchRequest struct {
	Events []*audit.Event `json:"events"`
}

// decodeBatch reads the batch body, accepting either a bare array of
// events or the {"events": [...]} envelope.
func decodeBatch(r *http.Request) ([]*audit.Event, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) > 0 && raw[0] == '[' {
		var events []*audit.Event
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var req batchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return req.Events, nil
}

// IngestBatch handles POST /api/v1/audit/batch. Validation rejects the
// whole batch; store-level failures are reported per event.
func (router *Router) IngestBatch(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	events, err := decodeBatch(r)
	if err != nil {
		rw.BadRequest("request body must be an array of audit events")
		return
	}
	if len(events) == 0 {
		rw.BadRequest("batch must contain at least one event")
		return
	}
	if len(events) > audit.BatchLimit {
		rw.BadRequest("batch exceeds " + strconv.Itoa(audit.BatchLimit) + " events")
		return
	}

	result, err := router.ingest.IngestBatch(r.Context(), events)
	if err != nil {
		if result != nil && len(result.Succeeded) > 0 {
			// Partial store failure: report what landed and what did not.
			rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeStoreWriteFailure,
				"some events could not be persisted", result)
			return
		}
		rw.ServiceError(err)
		return
	}
	rw.Created(map[string]interface{}{"ids": result.Succeeded})
}

// QueryLogs handles GET /api/v1/audit/logs.
func (router *Router) QueryLogs(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	caller, ok := PrincipalFrom(r.Context())
	if !ok {
		rw.Forbidden()
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	page, err := router.query.Query(r.Context(), caller, filter)
	if err != nil {
		rw.ServiceError(err)
		return
	}
	rw.Success(page)
}

// parseFilter reads the query-string filter parameters.
func parseFilter(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	f := query.Filter{
		UserID:    q.Get("userId"),
		PatientID: q.Get("patientId"),
		EventType: audit.EventType(q.Get("eventType")),
		Cursor:    q.Get("cursor"),
	}

	var err error
	if f.Start, err = parseDate(q.Get("startDate"), false); err != nil {
		return f, err
	}
	if f.End, err = parseDate(q.Get("endDate"), true); err != nil {
		return f, err
	}
	if v := q.Get("phiOnly"); v != "" {
		if f.PHIOnly, err = strconv.ParseBool(v); err != nil {
			return f, errValidation("phiOnly must be a boolean")
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errValidation("limit must be a positive integer")
		}
		f.Limit = n
	}
	if f.EventType != "" && !f.EventType.Canonical().Known() {
		return f, errValidation("unknown eventType")
	}
	return f, nil
}

// parseDate accepts RFC 3339 instants or bare dates. A bare end date is
// inclusive through the end of that day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errValidation("dates must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

type validationMessage string

func (m validationMessage) Error() string { return string(m) }

func errValidation(msg string) error { return validationMessage(msg) }

// SessionVerify handles GET /api/v1/session/verify. It accepts ended and
// expired tokens on purpose: the response body tells the client why the
// session is over.
func (router *Router) SessionVerify(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	token := bearerToken(r)
	if token == "" {
		rw.Unauthorized(ErrCodeUnauthorized, "missing bearer token")
		return
	}

	res := router.sessions.Verify(token)
	if !res.Valid {
		code := ErrCodeUnauthorized
		if res.Reason == session.ReasonSessionExpired {
			code = ErrCodeSessionExpired
		}
		rw.ErrorWithDetails(http.StatusUnauthorized, code, res.Reason, res)
		return
	}
	rw.Success(res)
}

// activityRequest is the POST /api/v1/session/activity body.
type activityRequest struct {
	Kind string `json:"kind"`
}

// SessionActivity handles POST /api/v1/session/activity.
func (router *Router) SessionActivity(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req activityRequest
	if err := decodeBody(r, &req); err != nil {
		rw.BadRequest("request body must be {\"kind\": \"pointer|keyboard|scroll|touch\"}")
		return
	}

	sessionID := sessionIDFrom(r)
	if err := router.sessions.Activity(sessionID, session.Kind(req.Kind)); err != nil {
		rw.ServiceError(err)
		return
	}
	router.sessionState(rw, sessionID)
}

// SessionContinue handles POST /api/v1/session/continue, the explicit
// "keep working" action from the warning dialog.
func (router *Router) SessionContinue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	sessionID := sessionIDFrom(r)
	if err := router.sessions.Continue(sessionID); err != nil {
		rw.ServiceError(err)
		return
	}
	router.sessionState(rw, sessionID)
}

// SessionLogout handles POST /api/v1/session/logout.
func (router *Router) SessionLogout(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := router.sessions.Logout(sessionIDFrom(r), true); err != nil {
		rw.ServiceError(err)
		return
	}
	rw.Success(map[string]string{"status": "logged out"})
}

// contextRequest is the POST /api/v1/session/context body.
type contextRequest struct {
	Category string `json:"category"`
}

// SessionContext handles POST /api/v1/session/context, recording the
// resource category in view so a later timeout event can report it.
func (router *Router) SessionContext(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req contextRequest
	if err := decodeBody(r, &req); err != nil || req.Category == "" {
		rw.BadRequest("request body must be {\"category\": \"...\"}")
		return
	}

	if err := router.sessions.SetContext(sessionIDFrom(r), req.Category); err != nil {
		rw.ServiceError(err)
		return
	}
	rw.Success(map[string]string{"status": "ok"})
}

// sessionState reports the session's deadline after a transition.
func (router *Router) sessionState(rw *ResponseWriter, sessionID string) {
	g, ok := router.sessions.Get(sessionID)
	if !ok {
		rw.ServiceError(session.ErrUnknownSession)
		return
	}
	deadline := g.Deadline()
	rw.Success(map[string]interface{}{
		"state":         g.State().String(),
		"expiresAt":     deadline,
		"timeRemaining": int64(g.Remaining().Seconds()),
	})
}

// sessionIDFrom reads the session ID the auth middleware attached.
func sessionIDFrom(r *http.Request) string {
	if m, ok := ingest.MetaFrom(r.Context()); ok {
		return m.SessionID
	}
	return ""
}

// HealthLive handles GET /api/v1/health/live.
func (router *Router) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady handles GET /api/v1/health/ready. The service is ready when
// the store answers and the outbound queue has headroom.
func (router *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	status := map[string]interface{}{
		"status":   "ready",
		"sessions": router.sessions.Count(),
	}
	if router.queueStats != nil {
		stats := router.queueStats()
		status["queuePending"] = stats.Pending
		if stats.MaxEntries > 0 && stats.Pending >= stats.MaxEntries {
			status["status"] = "degraded"
			rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
				"outbound queue at capacity", status)
			return
		}
	}
	rw.Success(status)
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
