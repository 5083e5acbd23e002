package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconauth/internal/auth/hybrid"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/permission"
)

type staticKeys struct {
	algorithm string
	id        string
	sk        ed25519.PrivateKey
	pk        ed25519.PublicKey
	pair      *hybrid.HybridKeyPair
}

func newEd25519Keys(t *testing.T, id string) *staticKeys {
	t.Helper()
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &staticKeys{algorithm: AlgorithmEd25519, id: id, sk: sk, pk: pk}
}

func newHybridKeys(t *testing.T, id string) *staticKeys {
	t.Helper()
	kp, err := hybrid.GenerateHybridKeyPair()
	require.NoError(t, err)
	return &staticKeys{algorithm: AlgorithmHybrid, id: id, sk: kp.ClassicalPrivate, pk: kp.ClassicalPublic, pair: kp}
}

func (k *staticKeys) GetActiveKeyPair() (*hybrid.HybridKeyPair, string, error) {
	if k.pair == nil {
		return nil, "", errors.New("no hybrid key")
	}
	return k.pair, k.id, nil
}

func (k *staticKeys) GetActiveEd25519Key() (ed25519.PrivateKey, ed25519.PublicKey, string, error) {
	return k.sk, k.pk, k.id, nil
}

func (k *staticKeys) FindVerificationKey(keyID string) (interface{}, string, error) {
	if keyID != k.id {
		return nil, "", errors.New("unknown key")
	}
	if k.pair != nil {
		return k.pair.Public(), AlgorithmHybrid, nil
	}
	return k.pk, AlgorithmEd25519, nil
}

func (k *staticKeys) GetAlgorithm() string { return k.algorithm }

type tokenFixture struct {
	svc *TokenService
	mr  *miniredis.Miniredis
	now time.Time
}

func (f *tokenFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.mr.FastForward(d)
}

func newTokenFixture(t *testing.T, keys KeyProvider) *tokenFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })

	svc, err := NewTokenService(config.TokenConfig{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
		Issuer:          "https://auth.test",
		Audience:        "reconauth",
	}, keys, rdb)
	require.NoError(t, err)

	f := &tokenFixture{svc: svc, mr: mr, now: time.Now().Truncate(time.Second)}
	svc.SetClock(func() time.Time { return f.now })
	return f
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	perms := permission.Of(permission.InvoicesRead, permission.ReportsRead)

	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", perms)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, 900, pair.ExpiresIn)

	claims, err := f.svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID())
	assert.Equal(t, "tenant-a", claims.TenantID)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, perms, claims.Permissions)
	assert.NotEqual(t, pair.Access.ID, pair.Refresh.ID)
}

func TestHybridTokens(t *testing.T) {
	f := newTokenFixture(t, newHybridKeys(t, "hk1"))

	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", permission.Of(permission.TenantAdmin))
	require.NoError(t, err)

	claims, err := f.svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.True(t, claims.Permissions.Has(permission.KeysManage))
}

func TestVerifyRejectsWrongType(t *testing.T) {
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	_, err = f.svc.Verify(context.Background(), pair.RefreshToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = f.svc.Verify(context.Background(), pair.AccessToken, TokenTypeRefresh)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyDistinguishesExpired(t *testing.T) {
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	f.advance(16 * time.Minute)

	_, err = f.svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = f.svc.Verify(context.Background(), pair.RefreshToken, TokenTypeRefresh)
	assert.NoError(t, err)
}

func TestVerifyRejectsTamperedAndForeignTokens(t *testing.T) {
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	_, err = f.svc.Verify(context.Background(), pair.AccessToken+"x", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = f.svc.Verify(context.Background(), "not.a.jwt", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	other := newTokenFixture(t, newEd25519Keys(t, "k1"))
	_, err = other.svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// unsigned token with the right shape
	claims := *pair.Access
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = f.svc.Verify(context.Background(), unsigned, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRevokeAccessToken(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, "tenant-a", pair.Access.ID, pair.Access.ExpiresAtTime()))

	_, err = f.svc.Verify(ctx, pair.AccessToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	assert.True(t, f.mr.Exists(BlacklistKey("tenant-a", pair.Access.ID)))

	ttl := f.mr.TTL(BlacklistKey("tenant-a", pair.Access.ID))
	assert.InDelta(t, (15 * time.Minute).Seconds(), ttl.Seconds(), 1)

	// the refresh token is a different token
	_, err = f.svc.Verify(ctx, pair.RefreshToken, TokenTypeRefresh)
	assert.NoError(t, err)
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	require.NoError(t, f.svc.Revoke(context.Background(), "tenant-a", "jti", f.now.Add(-time.Second)))
	assert.False(t, f.mr.Exists(BlacklistKey("tenant-a", "jti")))
}

func TestRevokedSessionRejectsBothTokens(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeSession(ctx, "tenant-a", "sess-1", time.Hour))

	_, err = f.svc.Verify(ctx, pair.AccessToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = f.svc.Verify(ctx, pair.RefreshToken, TokenTypeRefresh)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, _, err = f.svc.Rotate(ctx, pair.RefreshToken, 0)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRevocationIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeSession(ctx, "tenant-b", "sess-1", time.Hour))

	_, err = f.svc.Verify(ctx, pair.AccessToken, TokenTypeAccess)
	assert.NoError(t, err)
}

func TestRotateIssuesNewPairAndRetiresOld(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", permission.Of(permission.InvoicesRead))
	require.NoError(t, err)

	f.advance(time.Minute)
	next, old, err := f.svc.Rotate(ctx, pair.RefreshToken, permission.Of(permission.InvoicesWrite))
	require.NoError(t, err)
	assert.Equal(t, pair.Refresh.ID, old.ID)
	assert.Equal(t, "sess-1", next.Refresh.SessionID)
	assert.True(t, next.Access.Permissions.Has(permission.InvoicesWrite))

	_, err = f.svc.Verify(ctx, pair.RefreshToken, TokenTypeRefresh)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, _, err = f.svc.Rotate(ctx, pair.RefreshToken, 0)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = f.svc.Verify(ctx, next.RefreshToken, TokenTypeRefresh)
	assert.NoError(t, err)
}

func TestRotateRejectsAccessToken(t *testing.T) {
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	_, _, err = f.svc.Rotate(context.Background(), pair.AccessToken, 0)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestConcurrentRotateHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	const callers = 16
	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		revoked atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := f.svc.Rotate(ctx, pair.RefreshToken, 0)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrTokenRevoked):
				revoked.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), revoked.Load())
}

func TestVerifyFailsClosedWhenRedisDown(t *testing.T) {
	f := newTokenFixture(t, newEd25519Keys(t, "k1"))
	pair, err := f.svc.IssuePair("acct-1", "tenant-a", "sess-1", 0)
	require.NoError(t, err)

	f.mr.Close()

	_, err = f.svc.Verify(context.Background(), pair.AccessToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrRevocationUnavailable)
	_, _, err = f.svc.Rotate(context.Background(), pair.RefreshToken, 0)
	assert.ErrorIs(t, err, ErrRevocationUnavailable)
}
