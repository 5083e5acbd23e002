package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const RequestIDKey contextKey = "request_id"

// TenantHeader names the tenant on unauthenticated routes.
const TenantHeader = "X-Tenant-ID"

// RequestID adds a unique request ID to each request
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

const clientIPKey contextKey = "client_ip"

// RealIP resolves the client address once per request. Forwarding
// headers are believed only when the socket peer is a trusted proxy, and
// then the right-most hop that is not itself a trusted proxy wins.
func (m *Middleware) RealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := resolveClientIP(r, m.trusted)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey, ip)))
	})
}

// ClientIP returns the address resolved by RealIP, or the socket peer
// when RealIP did not run.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok {
		return ip
	}
	return remoteHost(r)
}

func resolveClientIP(r *http.Request, trusted []*net.IPNet) string {
	peer := remoteHost(r)
	if !isTrusted(net.ParseIP(peer), trusted) {
		return peer
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			hops = append(hops, strings.TrimSpace(hop))
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(hops[i])
		if ip == nil {
			return peer
		}
		if !isTrusted(ip, trusted) {
			return ip.String()
		}
	}
	if len(hops) > 0 {
		// Every hop is a proxy; the left-most is the closest we get.
		return net.ParseIP(hops[0]).String()
	}

	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isTrusted(ip net.IP, trusted []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// TenantID returns the tenant of the request: the token claim when
// authenticated, the X-Tenant-ID header otherwise.
func TenantID(r *http.Request) string {
	if c := ClaimsFromContext(r.Context()); c != nil {
		return c.TenantID
	}
	return strings.TrimSpace(r.Header.Get(TenantHeader))
}
