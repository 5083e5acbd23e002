package handler

import (
	"net/http"

	"github.com/ledgerline/reconauth/internal/middleware"
	"github.com/ledgerline/reconauth/internal/model"
)

type sessionView struct {
	*model.Session
	Current bool `json:"current"`
}

// ListSessions handles GET /api/v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	sessions, err := h.sessionSvc.List(r.Context(), c.AccountID())
	if err != nil {
		h.writeServiceError(w, r, "list sessions", err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{Session: s, Current: s.ID == c.SessionID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// RevokeSession handles POST /api/v1/sessions/{id}/revoke. Holders of
// sessions:manage may revoke any session of their tenant.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Session ID is required")
		return
	}

	if err := h.authSvc.RevokeSession(r.Context(), c, id, middleware.ClientIP(r)); err != nil {
		h.writeServiceError(w, r, "revoke session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTrustedDevices handles GET /api/v1/devices/trusted
func (h *Handler) ListTrustedDevices(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	devices, err := h.sessionSvc.ListTrustedDevices(r.Context(), c.AccountID())
	if err != nil {
		h.writeServiceError(w, r, "list trusted devices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// UntrustDevice handles DELETE /api/v1/devices/trusted/{fingerprint}
func (h *Handler) UntrustDevice(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	if err := h.authSvc.UntrustDevice(r.Context(), c, r.PathValue("fingerprint"), middleware.ClientIP(r)); err != nil {
		h.writeServiceError(w, r, "untrust device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
