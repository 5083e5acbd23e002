package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/logger"
)

type fakeVerifier struct {
	tokens map[string]*auth.Claims
	err    error
}

func (f *fakeVerifier) Verify(_ context.Context, token string, expected auth.TokenType) (*auth.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.tokens[token]
	if !ok || c.Type != expected {
		return nil, auth.ErrTokenInvalid
	}
	return c, nil
}

type fakeToucher struct {
	mu      sync.Mutex
	touched []string
}

func (f *fakeToucher) Touch(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, sessionID)
	return nil
}

type fixture struct {
	mw       *Middleware
	mr       *miniredis.Miniredis
	verifier *fakeVerifier
	toucher  *fakeToucher
}

func newFixture(t *testing.T, opts ...func(*config.Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Defaults()
	cfg.Security.RateLimiting.Enabled = true
	for _, opt := range opts {
		opt(cfg)
	}

	f := &fixture{
		mr: mr,
		verifier: &fakeVerifier{tokens: map[string]*auth.Claims{
			"good": {
				RegisteredClaims: jwt.RegisteredClaims{Subject: "acct-1"},
				TenantID:         "tenant-a",
				SessionID:        "sess-1",
				Type:             auth.TokenTypeAccess,
			},
			"refresh": {
				RegisteredClaims: jwt.RegisteredClaims{Subject: "acct-1"},
				TenantID:         "tenant-a",
				SessionID:        "sess-1",
				Type:             auth.TokenTypeRefresh,
			},
		}},
		toucher: &fakeToucher{},
	}
	f.mw = New(rdb, logger.Nop(), cfg, f.verifier, f.toucher)
	return f
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAuth(t *testing.T) {
	f := newFixture(t)

	var seen string
	h := f.mw.Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context()).AccountID()
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, "unauthorized"},
		{"wrong scheme", "Basic good", http.StatusUnauthorized, "unauthorized"},
		{"unknown token", "Bearer nope", http.StatusUnauthorized, "token_invalid"},
		{"refresh token", "Bearer refresh", http.StatusUnauthorized, "token_invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "acct-1", seen)
	assert.Equal(t, []string{"sess-1"}, f.toucher.touched)
}

func TestAuthTokenErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{auth.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
		{auth.ErrTokenRevoked, http.StatusUnauthorized, "token_revoked"},
		{auth.ErrRevocationUnavailable, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f := newFixture(t)
			f.verifier.err = tt.err
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer good")
			rec := httptest.NewRecorder()
			f.mw.Auth(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
			assert.Empty(t, f.toucher.touched)
		})
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	h := f.mw.RateLimit(RateLimitConfig{Scope: "login", Limit: 2, Window: time.Minute})(ok)

	send := func(ip, tenant string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = ip + ":4242"
		req.Header.Set(TenantHeader, tenant)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send("203.0.113.7", "tenant-a").Code)
	rec := send("203.0.113.7", "tenant-a")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = send("203.0.113.7", "tenant-a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", errorCode(t, rec))

	// Counters are per tenant and per source.
	assert.Equal(t, http.StatusNoContent, send("203.0.113.7", "tenant-b").Code)
	assert.Equal(t, http.StatusNoContent, send("198.51.100.1", "tenant-a").Code)

	f.mr.FastForward(time.Minute)
	assert.Equal(t, http.StatusNoContent, send("203.0.113.7", "tenant-a").Code)
}

func TestRateLimitFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.mr.SetError("ERR connection lost")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	rec := httptest.NewRecorder()
	f.mw.RateLimit(RateLimitConfig{Scope: "login", Limit: 5, Window: time.Minute})(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	f := newFixture(t)
	f.mw.cfg.Security.RateLimiting.Enabled = false
	f.mr.SetError("ERR connection lost")

	rec := httptest.NewRecorder()
	f.mw.RateLimit(RateLimitConfig{Scope: "login", Limit: 1})(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	h := f.mw.RequestID(f.mw.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"requestId":"req-42"`)
}

func TestClientIP(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Server.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.10"}
	})

	tests := []struct {
		name      string
		remote    string
		forwarded []string
		realIP    string
		want      string
	}{
		{name: "socket peer", remote: "198.51.100.4:1234", want: "198.51.100.4"},
		{name: "forwarded header from untrusted peer is ignored", remote: "198.51.100.4:1234", forwarded: []string{"203.0.113.9"}, want: "198.51.100.4"},
		{name: "real ip from untrusted peer is ignored", remote: "198.51.100.4:1234", realIP: "203.0.113.9", want: "198.51.100.4"},
		{name: "right-most untrusted hop", remote: "10.1.2.3:443", forwarded: []string{"1.1.1.1, 203.0.113.9, 10.0.0.1"}, want: "203.0.113.9"},
		{name: "hops across repeated headers", remote: "192.0.2.10:443", forwarded: []string{"1.1.1.1", "203.0.113.9, 10.0.0.1"}, want: "203.0.113.9"},
		{name: "empty hop falls back to peer", remote: "10.1.2.3:443", forwarded: []string{", 10.0.0.1"}, want: "10.1.2.3"},
		{name: "garbage hop falls back to peer", remote: "10.1.2.3:443", forwarded: []string{"not-an-ip"}, want: "10.1.2.3"},
		{name: "real ip from trusted peer", remote: "10.1.2.3:443", realIP: "203.0.113.9", want: "203.0.113.9"},
		{name: "invalid real ip from trusted peer", remote: "10.1.2.3:443", realIP: "nope", want: "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			var got string
			f.mw.RealIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			})).ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got)
		})
	}
}

func TestClientIPWithoutRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "192.0.2.1", ClientIP(req))
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	h := f.mw.CORS([]string{"https://app.ledgerline.test"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://app.ledgerline.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-Tenant-ID")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.ledgerline.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))

	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	get := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	get.Header.Set("Origin", "https://app.ledgerline.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, get)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.ledgerline.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestBearerTokenQueryOnlyForUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?access_token=good", nil)
	assert.Empty(t, BearerToken(req))

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	assert.Equal(t, "good", BearerToken(req))
}
