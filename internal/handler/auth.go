package handler

import (
	"net/http"

	"github.com/ledgerline/reconauth/internal/middleware"
	"github.com/ledgerline/reconauth/internal/service"
)

// --- Login Handler ---

type loginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	MFACode        string `json:"mfaCode,omitempty"`
	BackupCode     string `json:"backupCode,omitempty"`
	Fingerprint    string `json:"deviceFingerprint,omitempty"`
	RememberDevice bool   `json:"rememberDevice,omitempty"`
	// Device lets browser clients send raw attributes instead of a
	// precomputed fingerprint.
	Device *service.FingerprintData `json:"device,omitempty"`
}

func (req *loginRequest) fingerprint() string {
	if req.Fingerprint == "" && req.Device != nil {
		return service.GenerateFingerprint(req.Device)
	}
	return req.Fingerprint
}

type loginResponse struct {
	AccountID    string `json:"accountId"`
	SessionID    string `json:"sessionId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
	// RequiresMFA is always false here; the challenge response sets it.
	RequiresMFA bool `json:"requiresMfa"`
}

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantID(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "The X-Tenant-ID header is required")
		return
	}

	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Email and password are required")
		return
	}

	result, err := h.authSvc.Login(r.Context(), service.LoginRequest{
		TenantID:   tenantID,
		Email:      req.Email,
		Password:   req.Password,
		MFACode:    req.MFACode,
		BackupCode: req.BackupCode,
		Device: service.DeviceInfo{
			Fingerprint: req.fingerprint(),
			UserAgent:   r.UserAgent(),
			IP:          middleware.ClientIP(r),
		},
		RememberDevice: req.RememberDevice,
	})
	if err != nil {
		h.writeServiceError(w, r, "login", err)
		return
	}

	writeLoginResult(w, r, result)
}

func writeLoginResult(w http.ResponseWriter, r *http.Request, result *service.LoginResult) {
	switch result.Outcome {
	case service.OutcomeMFARequired:
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{
				"code":    string(service.ReasonMFARequired),
				"message": failureMessages[service.ReasonMFARequired],
			},
			"mfaChallenge":        result.MFAChallenge,
			"requiresMfa":         true,
			"availableMfaMethods": result.MFAChallenge.AvailableMethods,
		})
	case service.OutcomeFailure:
		writeFailure(w, r, result.Failure)
	default:
		writeJSON(w, http.StatusOK, loginResponse{
			AccountID:    result.AccountID,
			SessionID:    result.SessionID,
			AccessToken:  result.Tokens.AccessToken,
			RefreshToken: result.Tokens.RefreshToken,
			TokenType:    result.Tokens.TokenType,
			ExpiresIn:    result.Tokens.ExpiresIn,
		})
	}
}

// --- Token Handlers ---

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshToken handles POST /api/v1/auth/token/refresh
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "A refresh token is required")
		return
	}

	result, err := h.authSvc.Refresh(r.Context(), req.RefreshToken, middleware.ClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, "refresh", err)
		return
	}
	if result.Failure != nil {
		writeFailure(w, r, result.Failure)
		return
	}
	writeJSON(w, http.StatusOK, result.Tokens)
}

// Logout handles POST /api/v1/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.logout(w, r, false)
}

// LogoutAll handles POST /api/v1/auth/logout/all
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	h.logout(w, r, true)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, all bool) {
	c := claims(w, r)
	if c == nil {
		return
	}
	err := h.authSvc.Logout(r.Context(), service.LogoutRequest{Claims: c, All: all, IP: middleware.ClientIP(r)})
	if err != nil {
		h.writeServiceError(w, r, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Password Handler ---

type changePasswordRequest struct {
	CurrentPassword     string `json:"currentPassword"`
	NewPassword         string `json:"newPassword"`
	RevokeOtherSessions bool   `json:"revokeOtherSessions"`
}

// ChangePassword handles POST /api/v1/auth/password/change
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}

	var req changePasswordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Current and new password are required")
		return
	}

	f, err := h.authSvc.ChangePassword(r.Context(), service.ChangePasswordRequest{
		Claims:              c,
		CurrentPassword:     req.CurrentPassword,
		NewPassword:         req.NewPassword,
		RevokeOtherSessions: req.RevokeOtherSessions,
		IP:                  middleware.ClientIP(r),
	})
	if err != nil {
		h.writeServiceError(w, r, "change password", err)
		return
	}
	if f != nil {
		writeFailure(w, r, f)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
