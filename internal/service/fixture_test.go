package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconauth/internal/audit"
	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/guard"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
)

const (
	testTenant   = "tenant-a"
	testPassword = "CorrectP@ss1"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Emit(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) all() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

func (r *recordingSink) ofType(typ audit.EventType) []audit.Event {
	var out []audit.Event
	for _, e := range r.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSink) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	mr  *miniredis.Miniredis
	rdb *database.Redis
	now time.Time

	accounts *memAccounts
	codes    *memBackupCodes
	sessions *memSessions
	devices  *memDevices
	roles    *memRoles
	keyStore *memSigningKeys

	hasher  *auth.Hasher
	keys    *KeyService
	tokens  *auth.TokenService
	guard   *guard.Guard
	session *SessionService
	mfa     *MFAService
	perms   *PermissionService
	sink    *recordingSink
	svc     *AuthService
}

func testSessionsConfig() config.SessionsConfig {
	return config.SessionsConfig{
		MaxPerAccount:    3,
		AbsoluteTTL:      30 * 24 * time.Hour,
		TrustedDeviceTTL: 30 * 24 * time.Hour,
		Retention:        90 * 24 * time.Hour,
	}
}

func testLockoutConfig() config.LockoutConfig {
	return config.LockoutConfig{
		AccountMaxFailures: 5,
		IPMaxFailures:      50,
		Window:             15 * time.Minute,
		WarningRatio:       0.6,
		BaseDuration:       5 * time.Minute,
		Progressive:        true,
		Multiplier:         2,
		MaxDuration:        time.Hour,
		RollingPeriod:      24 * time.Hour,
	}
}

func testMFAConfig() config.MFAConfig {
	return config.MFAConfig{
		TOTP:        config.TOTPConfig{Issuer: "Ledgerline", Digits: 6, Period: 30, Skew: 1},
		BackupCodes: config.BackupCodesConfig{Count: 10},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		mr:       mr,
		rdb:      rdb,
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		accounts: newMemAccounts(),
		codes:    newMemBackupCodes(),
		devices:  newMemDevices(),
		roles:    &memRoles{roles: map[string][]string{}},
		keyStore: &memSigningKeys{},
		sink:     &recordingSink{},
	}
	f.sessions = newMemSessions(f.accounts)
	clock := func() time.Time { return f.now }
	log := logger.Nop()

	var err error
	f.hasher, err = auth.NewHasher(auth.NewParams(1024, 1, 1), 4)
	require.NoError(t, err)

	f.keys = NewKeyService(f.keyStore, auth.AlgorithmEd25519, log)
	f.keys.now = clock
	require.NoError(t, f.keys.Initialize(ctx))

	f.tokens, err = auth.NewTokenService(config.TokenConfig{
		AccessTokenTTL:   15 * time.Minute,
		RefreshTokenTTL:  7 * 24 * time.Hour,
		SigningAlgorithm: auth.AlgorithmEd25519,
		Issuer:           "reconauth",
		Audience:         "reconciliation-api",
	}, f.keys, rdb)
	require.NoError(t, err)
	f.tokens.SetClock(clock)

	f.guard = guard.New(rdb, testLockoutConfig())
	f.guard.SetClock(clock)

	f.session = NewSessionService(f.sessions, f.devices, f.tokens, rdb, testSessionsConfig(), log)
	f.session.SetClock(clock)

	f.mfa = NewMFAService(f.accounts, f.codes, rdb, testMFAConfig(), log)
	f.mfa.SetClock(clock)

	f.perms = NewPermissionService(f.roles, log)

	f.svc = NewAuthService(f.accounts, f.hasher, f.tokens, f.guard, f.session, f.mfa, f.perms, f.sink, config.PasswordConfig{
		MinLength:      12,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSpecial: true,
		HistorySize:    3,
	}, log)
	f.svc.SetClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.mr.FastForward(d)
}

func (f *fixture) addAccount(t *testing.T, email, password, role string) *model.Account {
	t.Helper()
	hash, err := f.hasher.Hash(context.Background(), password)
	require.NoError(t, err)
	a := &model.Account{
		ID:           uuid.NewString(),
		TenantID:     testTenant,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Status:       model.AccountStatusActive,
		CreatedAt:    f.now,
		UpdatedAt:    f.now,
	}
	f.accounts.put(a)
	return a
}

// enrollMFA runs setup and enable for the account and returns the enrollment.
// The clock is moved past the step used to confirm enrollment.
func (f *fixture) enrollMFA(t *testing.T, a *model.Account) *model.MFAEnrollment {
	t.Helper()
	ctx := context.Background()
	enrollment, err := f.mfa.Setup(ctx, a.TenantID, a.ID)
	require.NoError(t, err)
	require.NoError(t, f.mfa.Enable(ctx, a.TenantID, a.ID, f.totp(t, enrollment.Secret)))
	f.advance(90 * time.Second)
	return enrollment
}

func (f *fixture) totp(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, f.now, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func (f *fixture) login(t *testing.T, email, password string) *LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), LoginRequest{
		TenantID: testTenant,
		Email:    email,
		Password: password,
		Device:   DeviceInfo{UserAgent: "Mozilla/5.0 (Macintosh) Chrome/120", IP: "203.0.113.7:51000"},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) claims(t *testing.T, pair *auth.TokenPair) *auth.Claims {
	t.Helper()
	c, err := f.tokens.Verify(context.Background(), pair.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
	return c
}
