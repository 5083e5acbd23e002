package middleware

import (
	"context"
	"net"

	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/logger"
)

// TokenVerifier checks an access token against signature, expiry and the
// revocation store. Implemented by auth.TokenService.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string, expected auth.TokenType) (*auth.Claims, error)
}

// SessionToucher records activity on a session. Implemented by
// service.SessionService.
type SessionToucher interface {
	Touch(ctx context.Context, sessionID string) error
}

// Middleware holds all HTTP middleware
type Middleware struct {
	rdb      *database.Redis
	log      *logger.Logger
	cfg      *config.Config
	tokens   TokenVerifier
	sessions SessionToucher
	trusted  []*net.IPNet
}

// New creates a new Middleware instance
func New(rdb *database.Redis, log *logger.Logger, cfg *config.Config, tokens TokenVerifier, sessions SessionToucher) *Middleware {
	m := &Middleware{
		rdb:      rdb,
		log:      log.WithComponent("http"),
		cfg:      cfg,
		tokens:   tokens,
		sessions: sessions,
	}
	trusted, err := cfg.Server.TrustedNetworks()
	if err != nil {
		// Validate rejects this at startup; forwarding headers stay ignored.
		m.log.Error().Err(err).Msg("ignoring trusted proxies")
	}
	m.trusted = trusted
	return m
}
