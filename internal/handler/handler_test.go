package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/middleware"
	"github.com/ledgerline/reconauth/internal/model"
	"github.com/ledgerline/reconauth/internal/permission"
	"github.com/ledgerline/reconauth/internal/repository"
	"github.com/ledgerline/reconauth/internal/service"
)

type pinger struct{ err error }

func (p pinger) HealthCheck(context.Context) error { return p.err }

type keyStore struct {
	mu   sync.Mutex
	keys []*model.SigningKey
}

func (s *keyStore) Rotate(_ context.Context, key *model.SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		k.IsActive = false
	}
	cp := *key
	s.keys = append(s.keys, &cp)
	return nil
}

func (s *keyStore) GetActive(_ context.Context, algorithm string) (*model.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.IsActive && k.Algorithm == algorithm {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *keyStore) ListVerifiable(context.Context, time.Time) ([]*model.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.SigningKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (s *keyStore) DeleteRetired(context.Context, time.Time) (int64, error) { return 0, nil }

func newHandler(t *testing.T, db, rdb error) *Handler {
	t.Helper()
	keys := service.NewKeyService(&keyStore{}, auth.AlgorithmEd25519, logger.Nop())
	require.NoError(t, keys.Initialize(context.Background()))
	return New(pinger{db}, pinger{rdb}, logger.Nop(), config.Defaults(), nil, nil, keys, nil, nil)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestWriteFailure(t *testing.T) {
	until := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	tests := []struct {
		failure    service.Failure
		status     int
		retryAfter string
	}{
		{service.Failure{Reason: service.ReasonInvalidCredentials}, http.StatusUnauthorized, ""},
		{service.Failure{Reason: service.ReasonMFAInvalid}, http.StatusUnauthorized, ""},
		{service.Failure{Reason: service.ReasonTokenRevoked}, http.StatusUnauthorized, ""},
		{service.Failure{Reason: service.ReasonAccountDisabled}, http.StatusForbidden, ""},
		{service.Failure{Reason: service.ReasonRateLimited, RetryAfter: 90 * time.Second}, http.StatusTooManyRequests, "90"},
		{service.Failure{Reason: service.ReasonAccountLocked, RetryAfter: 1500 * time.Millisecond, LockedUntil: &until}, http.StatusLocked, "2"},
		{service.Failure{Reason: service.ReasonPolicyViolation, Violations: []auth.Violation{{Code: "too_short"}}}, http.StatusUnprocessableEntity, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.failure.Reason), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeFailure(rec, httptest.NewRequest(http.MethodPost, "/", nil), &tt.failure)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			body := decodeError(t, rec)
			assert.Equal(t, string(tt.failure.Reason), body["code"])
			assert.NotEmpty(t, body["message"])
			if tt.failure.LockedUntil != nil {
				assert.Equal(t, until.Format(time.RFC3339), body["lockedUntil"])
			}
			if len(tt.failure.Violations) > 0 {
				assert.Len(t, body["violations"], 1)
			}
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	h := newHandler(t, nil, nil)
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: load account: dial tcp: refused", service.ErrStorageUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{auth.ErrRevocationUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{service.ErrPermissionDenied, http.StatusForbidden, "forbidden"},
		{service.ErrSessionNotFound, http.StatusNotFound, "not_found"},
		{service.ErrMFAAlreadyEnabled, http.StatusConflict, "mfa_already_enabled"},
		{fmt.Errorf("check: %w", permission.ErrUnknownPermission), http.StatusBadRequest, "unknown_permission"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), "test", tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec)["code"])
		})
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler(t, nil, nil).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = httptest.NewRecorder()
	newHandler(t, nil, errors.New("redis down")).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unhealthy", resp.Services["redis"])
	assert.Equal(t, "healthy", resp.Services["postgres"])
}

func TestReady(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler(t, nil, nil).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newHandler(t, errors.New("pg down"), nil).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", decodeError(t, rec)["code"])
}

func TestLoginValidation(t *testing.T) {
	h := newHandler(t, nil, nil)

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "tenant header is required")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"a@b.c","extra":1}`))
	req.Header.Set(middleware.TenantHeader, "tenant-a")
	rec = httptest.NewRecorder()
	h.Login(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"a@b.c"}`))
	req.Header.Set(middleware.TenantHeader, "tenant-a")
	rec = httptest.NewRecorder()
	h.Login(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "password is required")
}

func TestWriteLoginResult(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)

	rec := httptest.NewRecorder()
	writeLoginResult(rec, req, &service.LoginResult{
		Outcome:      service.OutcomeMFARequired,
		MFAChallenge: &service.MFAChallenge{AvailableMethods: []string{"totp", "backup_code"}},
		Failure:      &service.Failure{Reason: service.ReasonMFARequired},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var challenge map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	assert.Equal(t, true, challenge["requiresMfa"])
	assert.Equal(t, []any{"totp", "backup_code"}, challenge["availableMfaMethods"])
	assert.Equal(t, string(service.ReasonMFARequired), decodeError(t, rec)["code"])

	rec = httptest.NewRecorder()
	writeLoginResult(rec, req, &service.LoginResult{
		Outcome:   service.OutcomeSuccess,
		AccountID: "acct-1",
		SessionID: "sess-1",
		Tokens:    &auth.TokenPair{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", ExpiresIn: 900},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	var tokens map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	assert.Equal(t, false, tokens["requiresMfa"])
	assert.Equal(t, "a", tokens["accessToken"])
	assert.NotContains(t, tokens, "availableMfaMethods")
}

func TestProtectedHandlersRequireClaims(t *testing.T) {
	h := newHandler(t, nil, nil)
	for name, fn := range map[string]http.HandlerFunc{
		"logout":   h.Logout,
		"sessions": h.ListSessions,
		"mfa":      h.MFASetup,
		"rotate":   h.AdminRotateKey,
		"events":   h.Events,
	} {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestPublicKeys(t *testing.T) {
	h := newHandler(t, nil, nil)
	rec := httptest.NewRecorder()
	h.PublicKeys(rec, httptest.NewRequest(http.MethodGet, "/api/v1/keys", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Keys      []model.VerificationKey `json:"keys"`
		ActiveKey string                  `json:"activeKey"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Keys, 1)
	assert.Equal(t, body.ActiveKey, body.Keys[0].KeyID)
	assert.Equal(t, auth.AlgorithmEd25519, body.Keys[0].Algorithm)
	assert.NotEmpty(t, body.Keys[0].PublicKey)
}

func TestAdminRotateKeyRequiresPermission(t *testing.T) {
	h := newHandler(t, nil, nil)
	before := h.keySvc.ActiveKeyID()

	call := func(perms permission.Set) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys/rotate", nil)
		c := &auth.Claims{TenantID: "tenant-a", SessionID: "s", Type: auth.TokenTypeAccess, Permissions: perms}
		c.Subject = "admin-1"
		rec := httptest.NewRecorder()
		h.AdminRotateKey(rec, req.WithContext(middleware.WithClaims(req.Context(), c)))
		return rec
	}

	assert.Equal(t, http.StatusForbidden, call(permission.Of(permission.UsersManage)).Code)
	assert.Equal(t, before, h.keySvc.ActiveKeyID())

	rec := call(permission.Of(permission.KeysManage))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, before, h.keySvc.ActiveKeyID())
}

func TestCheckOrigin(t *testing.T) {
	h := newHandler(t, nil, nil)
	h.cfg.Server.AllowedOrigins = []string{"https://app.ledgerline.test"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	assert.True(t, h.checkOrigin(req))
	req.Header.Set("Origin", "https://app.ledgerline.test")
	assert.True(t, h.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.test")
	assert.False(t, h.checkOrigin(req))
}

func TestLoginRequestFingerprint(t *testing.T) {
	raw := &service.FingerprintData{UserAgent: "Mozilla/5.0", Timezone: "UTC", ColorDepth: 24}

	req := loginRequest{Device: raw}
	assert.Equal(t, service.GenerateFingerprint(raw), req.fingerprint())

	req.Fingerprint = "client-fp"
	assert.Equal(t, "client-fp", req.fingerprint(), "explicit fingerprint wins")

	assert.Empty(t, (&loginRequest{}).fingerprint())
}
