// Package api implements the relay's small HTTP surface: alert
// acknowledgement and read-only session/device listings for a user.
// Registration, login, and admin UI live outside this relay.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"relay/internal/alertloop"
	"relay/internal/store"
)

// Handlers serves the HTTP collaborator endpoints.
type Handlers struct {
	Store  store.Store
	Alerts *alertloop.Loop
	Log    *zap.Logger
}

func NewHandlers(s store.Store, alerts *alertloop.Loop, log *zap.Logger) *Handlers {
	return &Handlers{Store: s, Alerts: alerts, Log: log}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

type acknowledgeRequest struct {
	UserID uint `json:"userId"`
}

// AcknowledgeAlert implements POST /alerts/{id}/acknowledge.
func (h *Handlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := parseURLParamUint(r, "id")
	if err != nil {
		http.Error(w, "invalid alert id", http.StatusBadRequest)
		return
	}
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Alerts.Acknowledge(r.Context(), uint(alertID), req.UserID); err != nil {
		if err == alertloop.ErrAlreadyAcknowledged {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if h.Log != nil {
			h.Log.Warn("api: acknowledge failed", zap.Uint("alert_id", uint(alertID)), zap.Error(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"acknowledged": true})
}

// ListSessions implements GET /users/{id}/sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := parseURLParamUint(r, "id")
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	sessions, err := h.Store.ListActiveSessionsForUser(r.Context(), uint(userID))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

// ListDevices handles GET /users/{id}/devices, listing a user's
// currently active push-capable devices.
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID, err := parseURLParamUint(r, "id")
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	devices, err := h.Store.ListActiveDevicesForUser(r.Context(), uint(userID))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, devices)
}

func parseURLParamUint(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
