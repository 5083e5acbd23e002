package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/middleware"
	"github.com/ledgerline/reconauth/internal/permission"
	"github.com/ledgerline/reconauth/internal/service"
)

// Pinger is a dependency the readiness check pings.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds all HTTP handlers
type Handler struct {
	db         Pinger
	rdb        Pinger
	log        *logger.Logger
	cfg        *config.Config
	alerts     AlertSource
	authSvc    *service.AuthService
	keySvc     *service.KeyService
	mfaSvc     *service.MFAService
	sessionSvc *service.SessionService
}

// New creates a new Handler instance
func New(
	db, rdb Pinger,
	log *logger.Logger,
	cfg *config.Config,
	alerts AlertSource,
	authSvc *service.AuthService,
	keySvc *service.KeyService,
	mfaSvc *service.MFAService,
	sessionSvc *service.SessionService,
) *Handler {
	return &Handler{
		db:         db,
		rdb:        rdb,
		log:        log.WithComponent("handler"),
		cfg:        cfg,
		alerts:     alerts,
		authSvc:    authSvc,
		keySvc:     keySvc,
		mfaSvc:     mfaSvc,
		sessionSvc: sessionSvc,
	}
}

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	middleware.WriteError(w, r, status, code, message)
}

const maxBodyBytes = 64 << 10

func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// claims returns the verified token claims. Routes using it are wrapped by
// middleware.Auth, so a nil result is a routing bug.
func claims(w http.ResponseWriter, r *http.Request) *auth.Claims {
	c := middleware.ClaimsFromContext(r.Context())
	if c == nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required")
	}
	return c
}

// failureStatus maps a refused outcome onto an HTTP status.
func failureStatus(f *service.Failure) int {
	switch f.Reason {
	case service.ReasonRateLimited:
		return http.StatusTooManyRequests
	case service.ReasonAccountLocked:
		return http.StatusLocked
	case service.ReasonAccountDisabled:
		return http.StatusForbidden
	case service.ReasonPolicyViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusUnauthorized
	}
}

var failureMessages = map[service.FailureReason]string{
	service.ReasonRateLimited:        "Too many attempts. Please try again later.",
	service.ReasonInvalidCredentials: "Invalid email or password",
	service.ReasonMFARequired:        "A second factor is required",
	service.ReasonMFAInvalid:         "Invalid verification code",
	service.ReasonAccountLocked:      "The account is temporarily locked",
	service.ReasonAccountDisabled:    "The account is disabled",
	service.ReasonTokenExpired:       "The token has expired",
	service.ReasonTokenRevoked:       "The token has been revoked",
	service.ReasonTokenInvalid:       "The token is invalid",
	service.ReasonPolicyViolation:    "The new password does not meet the password policy",
}

// writeFailure writes a Failure with Retry-After when a wait is known.
func writeFailure(w http.ResponseWriter, r *http.Request, f *service.Failure) {
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(middleware.RetryAfterSeconds(f.RetryAfter)))
	}
	body := map[string]any{
		"code":    string(f.Reason),
		"message": failureMessages[f.Reason],
	}
	if f.LockedUntil != nil {
		body["lockedUntil"] = f.LockedUntil
	}
	if len(f.Violations) > 0 {
		body["violations"] = f.Violations
	}
	if f.AttemptsRemaining > 0 {
		body["attemptsRemaining"] = f.AttemptsRemaining
	}
	if id := middleware.GetRequestID(r.Context()); id != "" {
		body["requestId"] = id
	}
	writeJSON(w, failureStatus(f), map[string]any{"error": body})
}

// writeServiceError maps hard errors. Storage outages are 503 so clients
// retry instead of treating them as an authentication decision.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, service.ErrStorageUnavailable), errors.Is(err, auth.ErrRevocationUnavailable):
		h.log.Error().Err(err).Str("op", op).Msg("storage unavailable")
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
	case errors.Is(err, service.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "forbidden", "Permission denied")
	case errors.Is(err, permission.ErrUnknownPermission):
		writeError(w, r, http.StatusBadRequest, "unknown_permission", err.Error())
	case errors.Is(err, service.ErrAccountNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "Account not found")
	case errors.Is(err, service.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "Session not found")
	case errors.Is(err, service.ErrDeviceNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "Trusted device not found")
	case errors.Is(err, service.ErrMFAAlreadyEnabled):
		writeError(w, r, http.StatusConflict, "mfa_already_enabled", "MFA is already enabled")
	case errors.Is(err, service.ErrMFANotEnabled):
		writeError(w, r, http.StatusConflict, "mfa_not_enabled", "MFA is not enabled")
	case errors.Is(err, service.ErrMFANotPending):
		writeError(w, r, http.StatusConflict, "mfa_not_pending", "MFA setup has not been started")
	case errors.Is(err, context.Canceled):
		h.log.Debug().Str("op", op).Msg("request cancelled")
	default:
		h.log.Error().Err(err).Str("op", op).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
