// Package dashboard exposes the read-only supervision API: live session
// listings, per-session detail, and orchestrator status.
package dashboard

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/voxhall/switchboard/pkg/orchestrator/admission"
	"github.com/voxhall/switchboard/pkg/orchestrator/fallback"
	"github.com/voxhall/switchboard/pkg/orchestrator/registry"
)

// SessionsHandler lists every live session.
type SessionsHandler struct {
	Registry *registry.Registry
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sessions := h.Registry.List()
	writeJSON(w, http.StatusOK, struct {
		Sessions []registry.Snapshot `json:"sessions"`
		Count    int                 `json:"count"`
	}{Sessions: sessions, Count: len(sessions)})
}

// SessionHandler returns one session by id.
type SessionHandler struct {
	Registry *registry.Registry
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "no such session")
		return
	}
	snap, ok := h.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such session")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// StatusHandler reports capacity, queue depth, and circuit states.
type StatusHandler struct {
	Admitter  *admission.Admitter
	Fallback  *fallback.Controller
	StartedAt time.Time
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	active, queued := h.Admitter.Counts()
	writeJSON(w, http.StatusOK, struct {
		ActiveSessions int               `json:"active_sessions"`
		QueuedCalls    int               `json:"queued_calls"`
		Circuits       map[string]string `json:"circuits"`
		UptimeSeconds  int64             `json:"uptime_seconds"`
	}{
		ActiveSessions: active,
		QueuedCalls:    queued,
		Circuits:       h.Fallback.States(),
		UptimeSeconds:  int64(time.Since(h.StartedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
}
