// Package verifier lets other reconciliation services check reconauth access
// tokens locally. Verification keys are fetched from the /api/v1/keys endpoint
// and cached; revocation is checked against the shared Redis when configured.
package verifier

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/auth/hybrid"
	"github.com/ledgerline/reconauth/internal/model"
)

// Errors returned by Verify. Token errors are shared with the server so
// callers can map both the same way.
var (
	ErrNoToken      = errors.New("verifier: no token")
	ErrKeysFetch    = errors.New("verifier: failed to fetch verification keys")
	ErrTokenExpired = auth.ErrTokenExpired
	ErrTokenInvalid = auth.ErrTokenInvalid
	ErrTokenRevoked = auth.ErrTokenRevoked
	// ErrRevocationUnavailable means Redis was configured but could not be
	// reached. The token must not be trusted.
	ErrRevocationUnavailable = auth.ErrRevocationUnavailable
)

const (
	defaultCacheTTL = 5 * time.Minute
	// minRefetch bounds how often an unknown kid can force a key fetch.
	minRefetch      = 10 * time.Second
	maxKeysBody     = 1 << 20
)

// Config holds the verifier settings.
type Config struct {
	// BaseURL is the reconauth root, e.g. "https://auth.internal". The
	// "/api/v1" suffix is appended when missing.
	BaseURL string
	// Issuer and Audience must match the server's token settings. Audience
	// is only checked when set.
	Issuer   string
	Audience string
	// CacheTTL is how long a fetched key set is used before refetching.
	CacheTTL   time.Duration
	HTTPClient *http.Client
	// Redis enables blacklist and session revocation checks. Nil skips them.
	Redis redis.Cmdable
}

func (c *Config) defaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL += "/api/v1"
	}
}

type verificationKey struct {
	algorithm string
	key       any
}

// Verifier checks access tokens against a cached copy of the server's keys.
// It is safe for concurrent use.
type Verifier struct {
	cfg   Config
	group singleflight.Group
	now   func() time.Time

	mu        sync.RWMutex
	keys      map[string]verificationKey
	fetchedAt time.Time
}

// New creates a Verifier. Keys are fetched lazily on first use.
func New(cfg Config) (*Verifier, error) {
	if cfg.BaseURL == "" || cfg.Issuer == "" {
		return nil, errors.New("verifier: base URL and issuer are required")
	}
	cfg.defaults()
	return &Verifier{cfg: cfg, now: time.Now}, nil
}

// Verify validates an access token and returns its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*auth.Claims, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if err := v.ensureKeys(ctx); err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg(), hybrid.AlgName}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &auth.Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, v.keyFunc(ctx))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, ErrKeysFetch):
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || claims.Type != auth.TokenTypeAccess || claims.ID == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}

	if v.cfg.Redis != nil {
		if err := v.checkRevoked(ctx, claims); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

// Refresh refetches the key set regardless of cache age.
func (v *Verifier) Refresh(ctx context.Context) error {
	_, err, _ := v.group.Do("keys", func() (any, error) {
		return nil, v.fetch(ctx)
	})
	return err
}

func (v *Verifier) checkRevoked(ctx context.Context, c *auth.Claims) error {
	pipe := v.cfg.Redis.Pipeline()
	blacklisted := pipe.Exists(ctx, auth.BlacklistKey(c.TenantID, c.ID))
	sessionRevoked := pipe.Exists(ctx, auth.SessionRevokedKey(c.TenantID, c.SessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	if blacklisted.Val() > 0 || sessionRevoked.Val() > 0 {
		return ErrTokenRevoked
	}
	return nil
}

func (v *Verifier) ensureKeys(ctx context.Context) error {
	v.mu.RLock()
	fresh := v.keys != nil && v.now().Sub(v.fetchedAt) < v.cfg.CacheTTL
	v.mu.RUnlock()
	if fresh {
		return nil
	}
	return v.Refresh(ctx)
}

func (v *Verifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}

		k, ok := v.lookup(kid)
		if !ok && v.mayRefetch() {
			// A key rotated in after our last fetch.
			if err := v.Refresh(ctx); err != nil {
				return nil, err
			}
			k, ok = v.lookup(kid)
		}
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}

		switch token.Method.Alg() {
		case hybrid.AlgName:
			if k.algorithm != auth.AlgorithmHybrid {
				return nil, fmt.Errorf("algorithm mismatch for kid %q", kid)
			}
		case jwt.SigningMethodEdDSA.Alg():
			if k.algorithm != auth.AlgorithmEd25519 {
				return nil, fmt.Errorf("algorithm mismatch for kid %q", kid)
			}
		default:
			return nil, fmt.Errorf("unsupported algorithm %s", token.Method.Alg())
		}
		return k.key, nil
	}
}

func (v *Verifier) lookup(kid string) (verificationKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok := v.keys[kid]
	return k, ok
}

func (v *Verifier) mayRefetch() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now().Sub(v.fetchedAt) >= minRefetch
}

type keysResponse struct {
	Keys      []model.VerificationKey `json:"keys"`
	ActiveKey string                  `json:"activeKey"`
}

func (v *Verifier) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.BaseURL+"/keys", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeysFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeysFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrKeysFetch, resp.StatusCode)
	}

	var body keysResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeysBody)).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", ErrKeysFetch, err)
	}

	keys := make(map[string]verificationKey, len(body.Keys))
	for _, k := range body.Keys {
		parsed, err := parseKey(k)
		if err != nil {
			return fmt.Errorf("%w: key %s: %v", ErrKeysFetch, k.KeyID, err)
		}
		keys[k.KeyID] = parsed
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.now()
	v.mu.Unlock()
	return nil
}

func parseKey(k model.VerificationKey) (verificationKey, error) {
	switch k.Algorithm {
	case auth.AlgorithmHybrid:
		pk, err := hybrid.ParsePublic(k.PublicKey)
		if err != nil {
			return verificationKey{}, err
		}
		return verificationKey{algorithm: k.Algorithm, key: pk}, nil
	case auth.AlgorithmEd25519:
		if len(k.PublicKey) != ed25519.PublicKeySize {
			return verificationKey{}, errors.New("bad ed25519 key size")
		}
		return verificationKey{algorithm: k.Algorithm, key: ed25519.PublicKey(k.PublicKey)}, nil
	}
	return verificationKey{}, fmt.Errorf("unknown algorithm %q", k.Algorithm)
}
