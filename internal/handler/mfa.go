package handler

import (
	"net/http"

	"github.com/ledgerline/reconauth/internal/middleware"
)

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type mfaDisableRequest struct {
	Password   string `json:"password"`
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

// MFAStatus handles GET /api/v1/mfa
func (h *Handler) MFAStatus(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	status, err := h.mfaSvc.Status(r.Context(), c.TenantID, c.AccountID())
	if err != nil {
		h.writeServiceError(w, r, "mfa status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// MFASetup handles POST /api/v1/mfa/setup. The secret and backup codes are
// shown exactly once.
func (h *Handler) MFASetup(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	enrollment, err := h.authSvc.SetupMFA(r.Context(), c, middleware.ClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, "mfa setup", err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// MFAEnable handles POST /api/v1/mfa/enable
func (h *Handler) MFAEnable(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	var req mfaCodeRequest
	if err := readJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "A verification code is required")
		return
	}

	f, err := h.authSvc.EnableMFA(r.Context(), c, req.Code, middleware.ClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, "mfa enable", err)
		return
	}
	if f != nil {
		writeFailure(w, r, f)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

// MFADisable handles POST /api/v1/mfa/disable
func (h *Handler) MFADisable(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	var req mfaDisableRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Password == "" || (req.Code == "" && req.BackupCode == "") {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Password and a verification or backup code are required")
		return
	}

	f, err := h.authSvc.DisableMFA(r.Context(), c, req.Password, req.Code, req.BackupCode, middleware.ClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, "mfa disable", err)
		return
	}
	if f != nil {
		writeFailure(w, r, f)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

// MFABackupCodes handles POST /api/v1/mfa/backup-codes
func (h *Handler) MFABackupCodes(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	var req mfaCodeRequest
	if err := readJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "A verification code is required")
		return
	}

	codes, f, err := h.authSvc.RegenerateBackupCodes(r.Context(), c, req.Code, middleware.ClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, "backup codes", err)
		return
	}
	if f != nil {
		writeFailure(w, r, f)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backupCodes": codes})
}
