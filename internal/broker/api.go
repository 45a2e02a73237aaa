// ABOUTME: Admin HTTP API for inspecting and killing sessions, claims, license state, and audit log
// ABOUTME: Health endpoints are open; everything under /api requires an admin token

package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/mirror-broker/internal/auth"
	"github.com/2389/mirror-broker/internal/session"
	"github.com/2389/mirror-broker/internal/store"
	"github.com/2389/mirror-broker/internal/target"
)

// killReason is the drain reason for sessions killed through the API.
const killReason = "killed by admin"

// ClaimResponse is one target claim in GET /api/claims.
type ClaimResponse struct {
	Target   target.Target `json:"target"`
	Key      string        `json:"key"`
	Mode     string        `json:"mode"`
	Sessions []string      `json:"sessions"`
}

// KillResponse acknowledges DELETE /api/sessions/{id}.
type KillResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (b *Broker) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("GET /health/ready", b.handleReady)

	var verifier auth.TokenVerifier
	if b.tokens != nil {
		verifier = b.tokens
	}
	admin := auth.RequireAdminHTTP(verifier)
	mux.Handle("GET /api/sessions", admin(http.HandlerFunc(b.handleListSessions)))
	mux.Handle("GET /api/sessions/{id}", admin(http.HandlerFunc(b.handleGetSession)))
	mux.Handle("DELETE /api/sessions/{id}", admin(http.HandlerFunc(b.handleKillSession)))
	mux.Handle("GET /api/claims", admin(http.HandlerFunc(b.handleListClaims)))
	mux.Handle("GET /api/license", admin(http.HandlerFunc(b.handleLicense)))
	mux.Handle("POST /api/license/refresh", admin(http.HandlerFunc(b.handleLicenseRefresh)))
	mux.Handle("GET /api/audit", admin(http.HandlerFunc(b.handleAudit)))
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports 503 while shutting down or when the license is
// enforced and no entitlement has ever been fetched.
func (b *Broker) handleReady(w http.ResponseWriter, r *http.Request) {
	if b.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if st := b.gate.Status(); st.Enforced && st.Entitlement == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no entitlement loaded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", b.registry.Len())
}

func (b *Broker) handleListSessions(w http.ResponseWriter, r *http.Request) {
	b.sendJSON(w, http.StatusOK, b.registry.List())
}

func (b *Broker) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := b.registry.Get(r.PathValue("id"))
	if err != nil {
		b.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	b.sendJSON(w, http.StatusOK, s.Info())
}

func (b *Broker) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := b.registry.Drain(id, killReason); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			b.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		b.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	caller, _ := auth.FromContext(r.Context())
	b.logger.Info("session killed", "session_id", id, "by", caller.ID)
	b.sendJSON(w, http.StatusAccepted, KillResponse{ID: id, Status: "draining"})
}

func (b *Broker) handleListClaims(w http.ResponseWriter, r *http.Request) {
	claims := b.locks.Claims()
	response := make([]ClaimResponse, 0, len(claims))
	for _, c := range claims {
		response = append(response, ClaimResponse{
			Target:   c.Target,
			Key:      c.Target.Key(),
			Mode:     c.Mode.String(),
			Sessions: c.Sessions,
		})
	}
	b.sendJSON(w, http.StatusOK, response)
}

func (b *Broker) handleLicense(w http.ResponseWriter, r *http.Request) {
	b.sendJSON(w, http.StatusOK, b.gate.Status())
}

func (b *Broker) handleLicenseRefresh(w http.ResponseWriter, r *http.Request) {
	if err := b.gate.RefreshNow(r.Context()); err != nil {
		b.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	b.sendJSON(w, http.StatusOK, b.gate.Status())
}

func (b *Broker) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := b.store.ListSessionEvents(r.Context(), filter)
	if err != nil {
		b.logger.Error("failed to list session events", "error", err)
		b.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	b.sendJSON(w, http.StatusOK, events)
}

// parseEventFilter reads audit filters from the query string.
func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	var f store.EventFilter

	optional := func(key string) *string {
		if v := q.Get(key); v != "" {
			return &v
		}
		return nil
	}
	f.SessionID = optional("session_id")
	f.Identity = optional("identity")
	f.Target = optional("target")

	if v := q.Get("kind"); v != "" {
		k := store.EventKind(v)
		if !k.Valid() {
			return f, fmt.Errorf("unknown event kind %q", v)
		}
		f.Kind = &k
	}

	for _, tf := range []struct {
		key string
		dst **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(tf.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", tf.key, err)
		}
		*tf.dst = &t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}

	return f, nil
}

func (b *Broker) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.logger.Debug("failed to write response", "error", err)
	}
}

func (b *Broker) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
