package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ledgerline/reconauth/internal/database"
)

// RateLimitConfig holds configuration for a specific rate limit
type RateLimitConfig struct {
	// Scope separates counters of different routes.
	Scope  string
	Limit  int
	Window time.Duration
	KeyFn  func(*http.Request) string
}

// RateLimit throttles requests with a fixed window counter in Redis. When
// Redis cannot be reached the request is refused with 503.
func (m *Middleware) RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Limit <= 0 {
		cfg.Limit = m.cfg.Security.RateLimiting.DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = m.cfg.Security.RateLimiting.DefaultWindow
	}
	if cfg.KeyFn == nil {
		cfg.KeyFn = IPKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.cfg.Security.RateLimiting.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := database.TenantKey("httprl", TenantID(r), cfg.Scope, cfg.KeyFn(r))

			pipe := m.rdb.TxPipeline()
			incr := pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, cfg.Window)
			ttl := pipe.PTTL(ctx, key)
			if _, err := pipe.Exec(ctx); err != nil {
				m.log.Error().Err(err).Str("scope", cfg.Scope).Msg("rate limit store unavailable")
				WriteError(w, r, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
				return
			}

			count := int(incr.Val())
			wait := ttl.Val()
			if wait < 0 {
				wait = cfg.Window
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, cfg.Limit-count)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(wait).Unix(), 10))

			if count > cfg.Limit {
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(wait)))
				WriteError(w, r, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey returns the client IP address as the rate limit key
func IPKey(r *http.Request) string {
	return ClientIP(r)
}

// AccountKey keys authenticated routes by account, falling back to the IP.
func AccountKey(r *http.Request) string {
	if c := ClaimsFromContext(r.Context()); c != nil {
		return "acct:" + c.AccountID()
	}
	return IPKey(r)
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
