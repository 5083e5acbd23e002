package router

import (
	"net/http"
	"time"

	"github.com/ledgerline/reconauth/internal/handler"
	"github.com/ledgerline/reconauth/internal/middleware"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	mux.HandleFunc("GET /api/v1/keys", h.PublicKeys)

	// Public authentication routes. Credential guessing is bounded by the
	// lockout guard; this throttle only caps raw request volume.
	loginRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Scope:  "login",
		Limit:  30,
		Window: time.Minute,
		KeyFn:  middleware.IPKey,
	})
	refreshRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Scope:  "refresh",
		Limit:  20,
		Window: time.Minute,
		KeyFn:  middleware.IPKey,
	})

	mux.Handle("POST /api/v1/auth/login", loginRateLimit(http.HandlerFunc(h.Login)))
	mux.Handle("POST /api/v1/auth/token/refresh", refreshRateLimit(http.HandlerFunc(h.RefreshToken)))

	// Protected routes (require auth)
	authMw := mw.Auth
	accountRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Scope:  "account",
		Limit:  10,
		Window: time.Minute,
		KeyFn:  middleware.AccountKey,
	})

	mux.Handle("POST /api/v1/auth/logout", authMw(http.HandlerFunc(h.Logout)))
	mux.Handle("POST /api/v1/auth/logout/all", authMw(http.HandlerFunc(h.LogoutAll)))
	mux.Handle("POST /api/v1/auth/password/change", authMw(accountRateLimit(http.HandlerFunc(h.ChangePassword))))

	// MFA routes
	mux.Handle("GET /api/v1/mfa", authMw(http.HandlerFunc(h.MFAStatus)))
	mux.Handle("POST /api/v1/mfa/setup", authMw(accountRateLimit(http.HandlerFunc(h.MFASetup))))
	mux.Handle("POST /api/v1/mfa/enable", authMw(accountRateLimit(http.HandlerFunc(h.MFAEnable))))
	mux.Handle("POST /api/v1/mfa/disable", authMw(accountRateLimit(http.HandlerFunc(h.MFADisable))))
	mux.Handle("POST /api/v1/mfa/backup-codes", authMw(accountRateLimit(http.HandlerFunc(h.MFABackupCodes))))

	// Session and device routes
	mux.Handle("GET /api/v1/sessions", authMw(http.HandlerFunc(h.ListSessions)))
	mux.Handle("POST /api/v1/sessions/{id}/revoke", authMw(http.HandlerFunc(h.RevokeSession)))
	mux.Handle("GET /api/v1/devices/trusted", authMw(http.HandlerFunc(h.ListTrustedDevices)))
	mux.Handle("DELETE /api/v1/devices/trusted/{fingerprint}", authMw(http.HandlerFunc(h.UntrustDevice)))

	mux.Handle("POST /api/v1/authz/check", authMw(http.HandlerFunc(h.CheckPermission)))
	mux.Handle("GET /api/v1/events", authMw(http.HandlerFunc(h.Events)))

	// Admin routes, permission-gated in the service layer
	adminRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Scope:  "admin",
		Limit:  10,
		Window: time.Minute,
		KeyFn:  middleware.AccountKey,
	})
	mux.Handle("POST /api/v1/admin/accounts/{id}/unlock", authMw(adminRateLimit(http.HandlerFunc(h.AdminUnlockAccount))))
	mux.Handle("POST /api/v1/admin/keys/rotate", authMw(adminRateLimit(http.HandlerFunc(h.AdminRotateKey))))

	// Apply middleware stack
	var handler http.Handler = mux
	handler = mw.CORS(allowedOrigins)(handler)
	handler = mw.SecurityHeaders(handler)

	// Panic recovery sits inside the logger so recovered requests are logged as 500s
	handler = mw.Recover(handler)
	handler = mw.Logger(handler)
	handler = mw.RealIP(handler)
	handler = mw.RequestID(handler)

	return handler
}
