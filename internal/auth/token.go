package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/reconauth/internal/auth/hybrid"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/permission"
)

// Token verification outcomes
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRevocationUnavailable means the revocation store could not be
	// consulted. Callers must treat the token as unusable.
	ErrRevocationUnavailable = errors.New("revocation store unavailable")
)

// Signing algorithms
const (
	AlgorithmHybrid  = "hybrid"
	AlgorithmEd25519 = "ed25519"
)

// KeyProvider is the interface the token service uses to obtain signing keys.
// Implemented by service.KeyService.
type KeyProvider interface {
	// GetActiveKeyPair returns the active hybrid key pair and key ID.
	GetActiveKeyPair() (*hybrid.HybridKeyPair, string, error)
	// GetActiveEd25519Key returns the Ed25519 private/public key and key ID.
	GetActiveEd25519Key() (ed25519.PrivateKey, ed25519.PublicKey, string, error)
	// FindVerificationKey returns *hybrid.HybridPublicKey or ed25519.PublicKey for a key ID.
	FindVerificationKey(keyID string) (interface{}, string, error)
	// GetAlgorithm returns the active signing algorithm.
	GetAlgorithm() string
}

// TokenType distinguishes access from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims carried by both token kinds. Permissions is only set on access tokens.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string         `json:"tid"`
	SessionID   string         `json:"sid"`
	Type        TokenType      `json:"typ"`
	Permissions permission.Set `json:"perm,omitempty"`
}

// AccountID returns the subject of the token.
func (c *Claims) AccountID() string {
	return c.Subject
}

// ExpiresAtTime returns the expiry, or the zero time when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenPair represents an access token and refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`

	Access  *Claims `json:"-"`
	Refresh *Claims `json:"-"`
}

const (
	rotateStatusReused  int64 = 0
	rotateStatusRotated int64 = 1
	rotateStatusRevoked int64 = 2
)

// rotateRefreshScript claims the old refresh token id. Exactly one caller can
// win the SET NX; a revoked session blocks rotation outright.
const rotateRefreshScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 2
end
local ok = redis.call("SET", KEYS[1], "rotated", "PX", ARGV[1], "NX")
if ok then
  return 1
end
return 0
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// TokenService issues and verifies signed tokens and owns the blacklist.
type TokenService struct {
	cfg  config.TokenConfig
	keys KeyProvider
	rdb  *database.Redis
	now  func() time.Time
}

// NewTokenService creates a new TokenService.
func NewTokenService(cfg config.TokenConfig, keys KeyProvider, rdb *database.Redis) (*TokenService, error) {
	if keys == nil {
		return nil, errors.New("token service: key provider is required")
	}
	if rdb == nil {
		return nil, errors.New("token service: redis is required")
	}
	return &TokenService{
		cfg:  cfg,
		keys: keys,
		rdb:  rdb,
		now:  time.Now,
	}, nil
}

// SetClock overrides the time source. Tests only.
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// IssueAccessToken signs a short-lived access token.
func (s *TokenService) IssueAccessToken(accountID, tenantID, sessionID string, perms permission.Set) (string, *Claims, error) {
	claims := s.newClaims(accountID, tenantID, sessionID, TokenTypeAccess, s.cfg.AccessTokenTTL)
	claims.Permissions = perms
	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, claims, nil
}

// IssueRefreshToken signs a refresh token bound to sessionID.
func (s *TokenService) IssueRefreshToken(accountID, tenantID, sessionID string) (string, *Claims, error) {
	claims := s.newClaims(accountID, tenantID, sessionID, TokenTypeRefresh, s.cfg.RefreshTokenTTL)
	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, claims, nil
}

// IssuePair issues an access and refresh token bound to the same session.
func (s *TokenService) IssuePair(accountID, tenantID, sessionID string, perms permission.Set) (*TokenPair, error) {
	access, accessClaims, err := s.IssueAccessToken(accountID, tenantID, sessionID, perms)
	if err != nil {
		return nil, err
	}
	refresh, refreshClaims, err := s.IssueRefreshToken(accountID, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		Access:       accessClaims,
		Refresh:      refreshClaims,
	}, nil
}

// Parse checks signature, expiry, issuer, audience and token type without
// consulting the revocation store.
func (s *TokenService) Parse(tokenString string, expected TokenType) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg(), hybrid.AlgName}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Type != expected || claims.ID == "" || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Verify parses the token and checks both its own blacklist entry and the
// revocation marker of the session it is bound to.
func (s *TokenService) Verify(ctx context.Context, tokenString string, expected TokenType) (*Claims, error) {
	claims, err := s.Parse(tokenString, expected)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.Pipeline()
	blacklisted := pipe.Exists(ctx, BlacklistKey(claims.TenantID, claims.ID))
	sessionRevoked := pipe.Exists(ctx, SessionRevokedKey(claims.TenantID, claims.SessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	if blacklisted.Val() > 0 || sessionRevoked.Val() > 0 {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Rotate consumes a refresh token and issues a new pair bound to the same
// session. Concurrent calls with the same token have exactly one winner; the
// others get ErrTokenRevoked.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string, perms permission.Set) (*TokenPair, *Claims, error) {
	old, err := s.Parse(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, nil, err
	}

	ttl := old.ExpiresAtTime().Sub(s.now())
	if ttl < time.Millisecond {
		return nil, nil, ErrTokenExpired
	}

	status, err := rotateRefreshLua.Run(ctx, s.rdb,
		[]string{BlacklistKey(old.TenantID, old.ID), SessionRevokedKey(old.TenantID, old.SessionID)},
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}

	switch status {
	case rotateStatusRotated:
	case rotateStatusReused, rotateStatusRevoked:
		return nil, old, ErrTokenRevoked
	default:
		return nil, old, fmt.Errorf("unexpected rotate status %d", status)
	}

	pair, err := s.IssuePair(old.Subject, old.TenantID, old.SessionID, perms)
	if err != nil {
		return nil, old, err
	}
	return pair, old, nil
}

// Revoke blacklists a token id until expiresAt. Already-expired tokens need no entry.
func (s *TokenService) Revoke(ctx context.Context, tenantID, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, BlacklistKey(tenantID, tokenID), "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return nil
}

// RevokeSession marks every token bound to sessionID as revoked for ttl.
func (s *TokenService) RevokeSession(ctx context.Context, tenantID, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.RefreshTokenTTL
	}
	if err := s.rdb.Set(ctx, SessionRevokedKey(tenantID, sessionID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return nil
}

// BlacklistKey is the cache key of a revoked token id.
func BlacklistKey(tenantID, tokenID string) string {
	return database.TenantKey("bl", tenantID, tokenID)
}

// SessionRevokedKey is the cache key marking a session as revoked.
func SessionRevokedKey(tenantID, sessionID string) string {
	return database.TenantKey("sessrev", tenantID, sessionID)
}

func (s *TokenService) newClaims(accountID, tenantID, sessionID string, typ TokenType, ttl time.Duration) *Claims {
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		TenantID:  tenantID,
		SessionID: sessionID,
		Type:      typ,
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	return claims
}

func (s *TokenService) sign(claims *Claims) (string, error) {
	if s.keys.GetAlgorithm() == AlgorithmHybrid {
		kp, keyID, err := s.keys.GetActiveKeyPair()
		if err != nil {
			return "", err
		}
		token := jwt.NewWithClaims(hybrid.SigningMethodHybrid, claims)
		token.Header["kid"] = keyID
		return token.SignedString(kp)
	}

	sk, _, keyID, err := s.keys.GetActiveEd25519Key()
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = keyID
	return token.SignedString(sk)
}

func (s *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}

	verKey, algo, err := s.keys.FindVerificationKey(kid)
	if err != nil {
		return nil, fmt.Errorf("key not found: %w", err)
	}

	switch token.Method.Alg() {
	case hybrid.AlgName:
		if algo != AlgorithmHybrid {
			return nil, fmt.Errorf("algorithm mismatch: token=%s key=%s", token.Method.Alg(), algo)
		}
		return verKey, nil
	case jwt.SigningMethodEdDSA.Alg():
		switch k := verKey.(type) {
		case ed25519.PublicKey:
			return k, nil
		case *hybrid.HybridPublicKey:
			return k.Classical, nil
		}
		return nil, fmt.Errorf("unexpected key type for EdDSA: %T", verKey)
	default:
		return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
	}
}
