package handler

import (
	"net/http"

	"github.com/ledgerline/reconauth/internal/middleware"
	"github.com/ledgerline/reconauth/internal/permission"
)

// AdminUnlockAccount handles POST /api/v1/admin/accounts/{id}/unlock
func (h *Handler) AdminUnlockAccount(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	target := r.PathValue("id")
	if target == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Account ID is required")
		return
	}

	if err := h.authSvc.AdminUnlock(r.Context(), c, target, middleware.ClientIP(r)); err != nil {
		h.writeServiceError(w, r, "unlock account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountId": target, "unlocked": true})
}

// AdminRotateKey handles POST /api/v1/admin/keys/rotate
func (h *Handler) AdminRotateKey(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	if !c.Permissions.Has(permission.KeysManage) {
		writeError(w, r, http.StatusForbidden, "forbidden", "Permission denied")
		return
	}

	key, err := h.keySvc.RotateKey(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "rotate key", err)
		return
	}
	h.log.Info().Str("key_id", key.KeyID).Str("admin_id", c.AccountID()).Msg("signing key rotated via admin API")
	writeJSON(w, http.StatusOK, key)
}

// PublicKeys handles GET /api/v1/keys. Services that verify tokens locally
// fetch and cache this set.
func (h *Handler) PublicKeys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":      h.keySvc.PublicKeys(),
		"activeKey": h.keySvc.ActiveKeyID(),
	})
}

type checkPermissionRequest struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// CheckPermission handles POST /api/v1/authz/check
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	var req checkPermissionRequest
	if err := readJSON(r, &req); err != nil || req.Resource == "" || req.Action == "" {
		writeError(w, r, http.StatusBadRequest, "validation_error", "Resource and action are required")
		return
	}

	allowed, err := h.authSvc.CheckPermission(r.Context(), c, req.Resource, req.Action)
	if err != nil {
		h.writeServiceError(w, r, "check permission", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":    allowed,
		"permission": req.Resource + ":" + req.Action,
	})
}
