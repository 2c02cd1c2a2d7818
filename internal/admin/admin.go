// Package admin implements the Admin API (C15): a small HTTP surface over
// the Block Store (C4) and Login-Attempt Tracker (C5), per spec.md §4.13.
// Access control is a deployment concern (network ACL or admin role); this
// package assumes its caller has already authenticated the request.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sentrygw/apigateway/internal/attempts"
	"github.com/sentrygw/apigateway/internal/blocklist"
)

// Handler serves the admin surface over a shared Block Store and Attempt
// Tracker.
type Handler struct {
	blocks   *blocklist.Store
	attempts *attempts.Tracker
}

// New builds a Handler. Either dependency may be nil, in which case the
// endpoints backed by it respond 503.
func New(blocks *blocklist.Store, tracker *attempts.Tracker) *Handler {
	return &Handler{blocks: blocks, attempts: tracker}
}

// Mux returns the routed admin surface, ready to be mounted under an
// internal prefix by the caller.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /block/{scope}", h.block)
	mux.HandleFunc("DELETE /block/{scope}/{id}", h.unblock)
	mux.HandleFunc("GET /block/{scope}/{id}", h.isBlocked)
	mux.HandleFunc("GET /block/{scope}", h.list)
	mux.HandleFunc("GET /login-attempts/user/{id}", h.userStats)
	mux.HandleFunc("GET /login-attempts/ip/{addr}", h.ipStats)
	mux.HandleFunc("DELETE /login-attempts/user/{id}", h.resetUser)
	return mux
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	if h.blocks == nil {
		writeUnavailable(w)
		return
	}
	scope := blocklist.Scope(r.PathValue("scope"))
	id := r.URL.Query().Get("id")
	reason := r.URL.Query().Get("reason")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if reason == "" {
		reason = "blocked by admin"
	}

	var ttl time.Duration
	if s := r.URL.Query().Get("ttlSeconds"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "ttlSeconds must be a non-negative integer", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(n) * time.Second
	}

	if err := h.blocks.Block(r.Context(), scope, id, reason, ttl); err != nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "id": id, "reason": reason})
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	if h.blocks == nil {
		writeUnavailable(w)
		return
	}
	scope := blocklist.Scope(r.PathValue("scope"))
	id := r.PathValue("id")

	existed, err := h.blocks.Unblock(r.Context(), scope, id)
	if err != nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "id": id, "existed": existed})
}

func (h *Handler) isBlocked(w http.ResponseWriter, r *http.Request) {
	if h.blocks == nil {
		writeUnavailable(w)
		return
	}
	scope := blocklist.Scope(r.PathValue("scope"))
	id := r.PathValue("id")

	st, err := h.blocks.IsBlocked(r.Context(), scope, id)
	if err != nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON(id, st))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	if h.blocks == nil {
		writeUnavailable(w)
		return
	}
	scope := blocklist.Scope(r.PathValue("scope"))

	entries, err := h.blocks.List(r.Context(), scope)
	if err != nil {
		writeUnavailable(w)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, statusJSON(e.ID, e.Status))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) userStats(w http.ResponseWriter, r *http.Request) {
	if h.attempts == nil {
		writeUnavailable(w)
		return
	}
	st, err := h.attempts.UserStats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, attemptsJSON(st))
}

func (h *Handler) ipStats(w http.ResponseWriter, r *http.Request) {
	if h.attempts == nil {
		writeUnavailable(w)
		return
	}
	st, err := h.attempts.IPStats(r.Context(), r.PathValue("addr"))
	if err != nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, attemptsJSON(st))
}

func (h *Handler) resetUser(w http.ResponseWriter, r *http.Request) {
	if h.attempts == nil {
		writeUnavailable(w)
		return
	}
	existed, err := h.attempts.ResetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "existed": existed})
}

func statusJSON(id string, st blocklist.Status) map[string]any {
	out := map[string]any{"id": id, "blocked": st.Blocked, "reason": st.Reason}
	if !st.ExpiresAt.IsZero() {
		out["expires_at"] = st.ExpiresAt.Format(time.RFC3339)
	}
	return out
}

func attemptsJSON(st attempts.Stats) map[string]any {
	return map[string]any{
		"current":           st.Current,
		"remaining":         st.Remaining,
		"window_expires_at": st.WindowExpiresAt.Format(time.RFC3339),
		"blocked":           st.Blocked,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeUnavailable(w http.ResponseWriter) {
	http.Error(w, "backing store not configured", http.StatusServiceUnavailable)
}
