package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ledgerline/reconauth/internal/auth"
)

const claimsKey contextKey = "claims"

// Auth requires a valid access token. The bound session is touched on every
// authenticated request.
func (m *Middleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			WriteError(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		claims, err := m.tokens.Verify(r.Context(), token, auth.TokenTypeAccess)
		if err != nil {
			m.writeTokenError(w, r, err)
			return
		}

		if err := m.sessions.Touch(r.Context(), claims.SessionID); err != nil {
			m.log.Warn().Err(err).Str("session_id", claims.SessionID).Msg("failed to touch session")
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m *Middleware) writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrRevocationUnavailable):
		m.log.Error().Err(err).Msg("revocation store unavailable")
		WriteError(w, r, http.StatusServiceUnavailable, "unavailable", "Authentication is temporarily unavailable")
	case errors.Is(err, auth.ErrTokenExpired):
		WriteError(w, r, http.StatusUnauthorized, "token_expired", "The access token has expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		WriteError(w, r, http.StatusUnauthorized, "token_revoked", "The access token has been revoked")
	default:
		m.log.Debug().Err(err).Msg("token validation failed")
		WriteError(w, r, http.StatusUnauthorized, "token_invalid", "The access token is invalid")
	}
}

// BearerToken extracts the token from the Authorization header. Browsers
// cannot set headers on a websocket handshake, so upgrade requests may pass
// it as the access_token query parameter instead.
func BearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns the claims placed by Auth, or nil.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}
