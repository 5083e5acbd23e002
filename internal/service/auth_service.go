package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/reconauth/internal/audit"
	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/guard"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
	"github.com/ledgerline/reconauth/internal/permission"
	"github.com/ledgerline/reconauth/internal/repository"
)

// Outcome of a login attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeMFARequired Outcome = "mfa_required"
	OutcomeFailure     Outcome = "failure"
)

// LoginRequest represents a login attempt.
type LoginRequest struct {
	TenantID       string     `json:"-"`
	Email          string     `json:"email"`
	Password       string     `json:"password"`
	MFACode        string     `json:"mfaCode,omitempty"`
	BackupCode     string     `json:"backupCode,omitempty"`
	Device         DeviceInfo `json:"device"`
	RememberDevice bool       `json:"rememberDevice"`
}

// MFAChallenge tells the client which second factors it may present.
type MFAChallenge struct {
	AvailableMethods []string `json:"availableMethods"`
}

// LoginResult is exactly one of: tokens, an MFA challenge, or a failure.
type LoginResult struct {
	Outcome      Outcome          `json:"outcome"`
	AccountID    string           `json:"accountId,omitempty"`
	SessionID    string           `json:"sessionId,omitempty"`
	Tokens       *auth.TokenPair  `json:"tokens,omitempty"`
	MFAChallenge *MFAChallenge    `json:"mfaChallenge,omitempty"`
	Failure      *Failure         `json:"failure,omitempty"`
	Evicted      []*model.Session `json:"-"`
}

// RequiresMFA reports whether the client must retry with a second factor.
func (r *LoginResult) RequiresMFA() bool {
	return r.Outcome == OutcomeMFARequired
}

// TokenResult is the outcome of a refresh.
type TokenResult struct {
	Tokens  *auth.TokenPair `json:"tokens,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// LogoutRequest ends the session the presented token belongs to, or every
// session of the account when All is set.
type LogoutRequest struct {
	Claims *auth.Claims
	All    bool
	IP     string
}

// ChangePasswordRequest represents a password change by the account owner.
type ChangePasswordRequest struct {
	Claims              *auth.Claims `json:"-"`
	CurrentPassword     string       `json:"currentPassword"`
	NewPassword         string       `json:"newPassword"`
	RevokeOtherSessions bool         `json:"revokeOtherSessions"`
	IP                  string       `json:"-"`
}

// AuthService orchestrates login, refresh, logout and credential
// management. Expected refusals are returned as Failure values; the error
// return carries only hard failures.
type AuthService struct {
	accounts AccountStore
	hasher   *auth.Hasher
	policy   auth.Policy
	tokens   *auth.TokenService
	guard    *guard.Guard
	sessions *SessionService
	mfa      *MFAService
	perms    *PermissionService
	audit    audit.Sink
	log      *logger.Logger
	now      func() time.Time
}

// NewAuthService creates a new AuthService
func NewAuthService(
	accounts AccountStore,
	hasher *auth.Hasher,
	tokens *auth.TokenService,
	g *guard.Guard,
	sessions *SessionService,
	mfa *MFAService,
	perms *PermissionService,
	sink audit.Sink,
	cfg config.PasswordConfig,
	log *logger.Logger,
) *AuthService {
	if sink == nil {
		sink = audit.NoOpSink{}
	}
	return &AuthService{
		accounts: accounts,
		hasher:   hasher,
		policy:   auth.PolicyFromConfig(cfg),
		tokens:   tokens,
		guard:    g,
		sessions: sessions,
		mfa:      mfa,
		perms:    perms,
		audit:    sink,
		log:      log.WithComponent("auth_service"),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *AuthService) SetClock(now func() time.Time) {
	s.now = now
}

// Login authenticates an account. Gates run in order: lockout guard,
// credentials, account status, second factor, session, tokens. Exactly one
// audit event is emitted per call.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	device := req.Device.normalized()
	acctKey := guard.AccountKey(req.TenantID, email)
	ipKey := guard.IPKey(req.TenantID, device.IP)

	event := audit.NewEvent(audit.EventLogin, audit.OutcomeFailure)
	event.TenantID = req.TenantID
	event.IP = device.IP

	fail := func(f *Failure, accountID string) (*LoginResult, error) {
		event.AccountID = accountID
		event.Reason = string(f.Reason)
		if accountID == "" {
			event = event.With("email", email)
		}
		s.emit(ctx, event)
		return &LoginResult{Outcome: OutcomeFailure, AccountID: accountID, Failure: f}, nil
	}
	abort := func(err error, accountID string) (*LoginResult, error) {
		event.AccountID = accountID
		event.Reason = "error"
		s.emit(ctx, event.With("error", err.Error()))
		return nil, err
	}

	// Rate & lockout gate. The attempt is counted as a failure before the
	// password is checked and withdrawn only when the credentials hold, so
	// parallel guesses cannot outrun the threshold. An attempt abandoned
	// midway stays counted.
	attempt, statuses, err := s.guard.Begin(ctx, acctKey, ipKey)
	if err != nil {
		return abort(unavailable("lockout check", err), "")
	}
	if attempt == nil {
		return fail(lockFailure(statuses[0], statuses[1]), "")
	}
	release := func() {
		if err := attempt.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Str("key", acctKey.String()).Msg("failed to release login attempt")
		}
	}

	// Credential gate. Unknown accounts cost the same as wrong passwords.
	acct, err := s.accounts.GetByEmail(ctx, req.TenantID, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return abort(unavailable("load account", err), "")
	}
	if acct == nil {
		if err := s.hasher.DummyVerify(ctx, req.Password); err != nil && ctx.Err() != nil {
			return abort(ctx.Err(), "")
		}
		f, err := s.failAttempt(ctx, attempt, ReasonInvalidCredentials)
		if err != nil {
			return abort(err, "")
		}
		return fail(f, "")
	}

	match, err := s.hasher.Verify(ctx, req.Password, acct.PasswordHash)
	if err != nil {
		if ctx.Err() != nil {
			return abort(ctx.Err(), acct.ID)
		}
		s.log.Error().Err(err).Str("account_id", acct.ID).Msg("stored password hash is unreadable")
	}
	if !match {
		f, err := s.failAttempt(ctx, attempt, ReasonInvalidCredentials)
		if err != nil {
			return abort(err, acct.ID)
		}
		return fail(f, acct.ID)
	}

	// Persisted account state, only revealed to holders of the password.
	now := s.now()
	if acct.IsDisabled() || acct.IsLocked(now) {
		release()
	}
	if acct.IsDisabled() {
		return fail(&Failure{Reason: ReasonAccountDisabled}, acct.ID)
	}
	if acct.IsLocked(now) {
		f := &Failure{Reason: ReasonAccountLocked, LockedUntil: acct.LockedUntil}
		if acct.LockedUntil != nil {
			f.RetryAfter = acct.LockedUntil.Sub(now)
		}
		return fail(f, acct.ID)
	}

	// Second factor gate.
	trusted := false
	var method model.MFAMethodType
	if acct.MFAEnabled {
		trusted, err = s.sessions.IsTrustedDevice(ctx, acct.ID, device.Fingerprint)
		if err != nil {
			return abort(err, acct.ID)
		}
		if !trusted {
			if strings.TrimSpace(req.MFACode) == "" && strings.TrimSpace(req.BackupCode) == "" {
				release()
				event.AccountID = acct.ID
				event.Outcome = audit.OutcomeChallenge
				event.Reason = string(ReasonMFARequired)
				s.emit(ctx, event)
				return &LoginResult{
					Outcome:      OutcomeMFARequired,
					AccountID:    acct.ID,
					MFAChallenge: &MFAChallenge{AvailableMethods: s.mfa.AvailableMethods(ctx, acct.ID)},
					Failure:      &Failure{Reason: ReasonMFARequired},
				}, nil
			}

			var ok bool
			method, ok, err = s.mfa.VerifySecondFactor(ctx, acct, req.MFACode, req.BackupCode)
			if err != nil {
				return abort(err, acct.ID)
			}
			if !ok {
				f, err := s.failAttempt(ctx, attempt, ReasonMFAInvalid)
				if err != nil {
					return abort(err, acct.ID)
				}
				event = event.With("method", string(method))
				return fail(f, acct.ID)
			}
		}
	}

	perms, err := s.perms.ForAccount(ctx, acct)
	if err != nil {
		return abort(err, acct.ID)
	}

	// Session gate.
	if req.RememberDevice && device.Fingerprint != "" {
		if _, err := s.sessions.TrustDevice(ctx, req.TenantID, acct.ID, device.Fingerprint, parseDeviceName(device.UserAgent)); err != nil {
			return abort(err, acct.ID)
		}
		trusted = true
	}
	sess, evicted, err := s.sessions.CreateSession(ctx, CreateSessionRequest{
		TenantID:  req.TenantID,
		AccountID: acct.ID,
		Device:    device,
		Trusted:   trusted,
	})
	if err != nil {
		return abort(err, acct.ID)
	}

	// Token gate.
	pair, err := s.tokens.IssuePair(acct.ID, req.TenantID, sess.ID, perms)
	if err != nil {
		if rerr := s.sessions.Revoke(context.WithoutCancel(ctx), req.TenantID, acct.ID, sess.ID, model.RevokeReasonLogout); rerr != nil {
			s.log.Error().Err(rerr).Str("session_id", sess.ID).Msg("failed to revoke session after token failure")
		}
		return abort(fmt.Errorf("failed to issue tokens: %w", err), acct.ID)
	}

	release()
	if err := s.guard.RecordSuccess(ctx, acctKey); err != nil {
		s.log.Warn().Err(err).Str("account_id", acct.ID).Msg("failed to reset failure counter")
	}

	event.AccountID = acct.ID
	event.Outcome = audit.OutcomeSuccess
	event = event.With("session_id", sess.ID)
	if method != "" {
		event = event.With("mfa_method", string(method))
	}
	if trusted {
		event = event.With("trusted_device", true)
	}
	if len(evicted) > 0 {
		event = event.With("evicted_sessions", len(evicted))
	}
	s.emit(ctx, event)

	s.log.WithAccount(acct.TenantID, acct.ID).Info().Str("session_id", sess.ID).Msg("account logged in")

	return &LoginResult{
		Outcome:   OutcomeSuccess,
		AccountID: acct.ID,
		SessionID: sess.ID,
		Tokens:    pair,
		Evicted:   evicted,
	}, nil
}

// lockFailure maps guard state to a login failure. An account lock is
// reported as AccountLocked, a source lock as RateLimited.
func lockFailure(acct, ip guard.Status) *Failure {
	if acct.State == guard.Locked {
		f := &Failure{Reason: ReasonAccountLocked, RetryAfter: acct.RetryAfter}
		if !acct.LockedUntil.IsZero() {
			until := acct.LockedUntil
			f.LockedUntil = &until
		}
		return f
	}
	if ip.State == guard.Locked {
		return &Failure{Reason: ReasonRateLimited, RetryAfter: ip.RetryAfter}
	}
	return nil
}

// recordFailure counts a failed attempt against every key. Guard errors
// are hard failures.
func (s *AuthService) recordFailure(ctx context.Context, keys ...guard.Key) error {
	for _, k := range keys {
		st, err := s.guard.RecordFailure(ctx, k)
		if err != nil {
			return unavailable("record failure", err)
		}
		s.logTripped(st)
	}
	return nil
}

// failAttempt settles a counted login attempt as a failure. The number of
// attempts left is reported once the account key is in its warning band.
func (s *AuthService) failAttempt(ctx context.Context, a *guard.Attempt, reason FailureReason) (*Failure, error) {
	statuses, err := a.Fail(ctx)
	if err != nil {
		return nil, unavailable("record failure", err)
	}
	for _, st := range statuses {
		s.logTripped(st)
	}
	f := &Failure{Reason: reason}
	if acct := statuses[0]; acct.State == guard.Warning {
		f.AttemptsRemaining = acct.Remaining()
	}
	return f, nil
}

func (s *AuthService) logTripped(st guard.Status) {
	if !st.Tripped {
		return
	}
	s.log.Warn().
		Str("tenant_id", st.Key.TenantID).
		Str("key", st.Key.String()).
		Dur("lock", st.RetryAfter).
		Msg("lockout threshold reached")
}

// Refresh rotates a refresh token. A second use of the same token, or a
// token whose session has ended, fails with TokenRevoked.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, ip string) (*TokenResult, error) {
	event := audit.NewEvent(audit.EventTokenRefresh, audit.OutcomeFailure)
	event.IP = cleanIP(ip)

	fail := func(f *Failure) (*TokenResult, error) {
		event.Reason = string(f.Reason)
		s.emit(ctx, event)
		return &TokenResult{Failure: f}, nil
	}
	abort := func(err error) (*TokenResult, error) {
		event.Reason = "error"
		s.emit(ctx, event.With("error", err.Error()))
		return nil, err
	}
	tokenErr := func(err error) (*TokenResult, error) {
		f, herr := tokenFailure(err)
		if herr != nil {
			return abort(herr)
		}
		return fail(f)
	}

	claims, err := s.tokens.Parse(refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return tokenErr(err)
	}
	event.TenantID = claims.TenantID
	event.AccountID = claims.AccountID()
	event = event.With("session_id", claims.SessionID)

	active, err := s.sessions.IsActive(ctx, claims.TenantID, claims.SessionID)
	if err != nil {
		return abort(err)
	}
	if !active {
		return fail(&Failure{Reason: ReasonTokenRevoked})
	}

	acct, err := s.accounts.GetByID(ctx, claims.TenantID, claims.AccountID())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fail(&Failure{Reason: ReasonTokenInvalid})
		}
		return abort(unavailable("load account", err))
	}
	if acct.IsDisabled() {
		return fail(&Failure{Reason: ReasonAccountDisabled})
	}
	if acct.IsLocked(s.now()) {
		return fail(&Failure{Reason: ReasonAccountLocked, LockedUntil: acct.LockedUntil})
	}

	perms, err := s.perms.ForAccount(ctx, acct)
	if err != nil {
		return abort(err)
	}

	pair, _, err := s.tokens.Rotate(ctx, refreshToken, perms)
	if err != nil {
		if errors.Is(err, auth.ErrTokenRevoked) {
			s.log.Warn().Str("account_id", acct.ID).Str("session_id", claims.SessionID).Msg("refresh token reuse detected")
		}
		return tokenErr(err)
	}

	if err := s.sessions.Touch(ctx, claims.SessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", claims.SessionID).Msg("failed to touch session")
	}

	event.Outcome = audit.OutcomeSuccess
	s.emit(ctx, event)
	return &TokenResult{Tokens: pair}, nil
}

// Logout revokes the presented access token, then the session (or all
// sessions). The session revocation is authoritative: a failed token revoke
// is logged but does not fail the logout.
func (s *AuthService) Logout(ctx context.Context, req LogoutRequest) error {
	c := req.Claims
	event := audit.NewEvent(audit.EventLogout, audit.OutcomeSuccess)
	event.TenantID = c.TenantID
	event.AccountID = c.AccountID()
	event.IP = cleanIP(req.IP)
	event = event.With("session_id", c.SessionID).With("all", req.All)

	tokenErr := s.tokens.Revoke(ctx, c.TenantID, c.ID, c.ExpiresAtTime())
	if tokenErr != nil {
		s.log.Warn().Err(tokenErr).Str("session_id", c.SessionID).Msg("failed to blacklist access token")
		event = event.With("token_revoked", false)
	}

	var err error
	if req.All {
		var n int
		n, err = s.sessions.RevokeAll(ctx, c.TenantID, c.AccountID(), "", model.RevokeReasonLogoutAll)
		event = event.With("revoked_sessions", n)
	} else {
		err = s.sessions.Revoke(ctx, c.TenantID, c.AccountID(), c.SessionID, model.RevokeReasonLogout)
		if errors.Is(err, ErrSessionNotFound) {
			err = nil
		}
	}
	if err != nil {
		event.Outcome = audit.OutcomeFailure
		event.Reason = "error"
		s.emit(ctx, event.With("error", err.Error()))
		return err
	}

	s.emit(ctx, event)
	s.log.Info().Str("account_id", c.AccountID()).Bool("all", req.All).Msg("account logged out")
	return nil
}

// ChangePassword replaces the account password after verifying the current
// one. Policy violations are returned itemized in the Failure.
func (s *AuthService) ChangePassword(ctx context.Context, req ChangePasswordRequest) (*Failure, error) {
	c := req.Claims
	event := s.accountEvent(audit.EventPasswordChange, c, req.IP)

	acct, err := s.loadAccount(ctx, c)
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}

	f, err := s.checkPassword(ctx, acct, req.CurrentPassword)
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}
	if f != nil {
		return s.auditFailure(ctx, event, f), nil
	}

	history, err := s.accounts.PasswordHistory(ctx, acct.ID, s.policy.HistorySize)
	if err != nil {
		return nil, s.auditError(ctx, event, unavailable("load password history", err))
	}
	result, err := s.policy.Check(ctx, s.hasher, req.NewPassword, append([]string{acct.PasswordHash}, history...))
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}
	event = event.With("strength", result.Strength)
	if !result.OK() {
		event = event.With("violations", result.Codes())
		return s.auditFailure(ctx, event, &Failure{Reason: ReasonPolicyViolation, Violations: result.Violations}), nil
	}

	hash, err := s.hasher.Hash(ctx, req.NewPassword)
	if err != nil {
		return nil, s.auditError(ctx, event, fmt.Errorf("failed to hash password: %w", err))
	}
	if err := s.accounts.UpdatePassword(ctx, acct.TenantID, acct.ID, hash, s.policy.HistorySize); err != nil {
		return nil, s.auditError(ctx, event, unavailable("store password", err))
	}

	log := s.log.WithAccount(acct.TenantID, acct.ID)
	if req.RevokeOtherSessions {
		n, err := s.sessions.RevokeAll(ctx, acct.TenantID, acct.ID, c.SessionID, model.RevokeReasonPasswordReset)
		if err != nil {
			log.Error().Err(err).Msg("failed to revoke sessions after password change")
		}
		event = event.With("revoked_sessions", n)
		// A device trusted under the old password must pass MFA again.
		if err := s.sessions.UntrustAll(ctx, acct.ID); err != nil {
			log.Error().Err(err).Msg("failed to untrust devices after password change")
		} else {
			event = event.With("devices_untrusted", true)
		}
	}

	s.emit(ctx, event)
	log.Info().Msg("password changed")
	return nil, nil
}

// SetupMFA starts TOTP enrollment for the caller.
func (s *AuthService) SetupMFA(ctx context.Context, c *auth.Claims, ip string) (*model.MFAEnrollment, error) {
	event := s.accountEvent(audit.EventMFASetup, c, ip)
	enrollment, err := s.mfa.Setup(ctx, c.TenantID, c.AccountID())
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}
	s.emit(ctx, event)
	return enrollment, nil
}

// EnableMFA confirms enrollment with a current code. Wrong codes count as
// failed attempts against the account.
func (s *AuthService) EnableMFA(ctx context.Context, c *auth.Claims, code, ip string) (*Failure, error) {
	event := s.accountEvent(audit.EventMFAEnable, c, ip)
	acct, err := s.loadAccount(ctx, c)
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}

	err = s.mfa.Enable(ctx, acct.TenantID, acct.ID, code)
	if errors.Is(err, ErrMFAInvalidCode) {
		if err := s.recordFailure(ctx, guard.AccountKey(acct.TenantID, acct.Email)); err != nil {
			return nil, s.auditError(ctx, event, err)
		}
		return s.auditFailure(ctx, event, &Failure{Reason: ReasonMFAInvalid}), nil
	}
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}
	s.emit(ctx, event)
	return nil, nil
}

// DisableMFA turns MFA off. It requires the current password and a valid
// TOTP or backup code.
func (s *AuthService) DisableMFA(ctx context.Context, c *auth.Claims, password, code, backupCode, ip string) (*Failure, error) {
	event := s.accountEvent(audit.EventMFADisable, c, ip)
	acct, err := s.loadAccount(ctx, c)
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}

	f, err := s.checkPassword(ctx, acct, password)
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}
	if f != nil {
		return s.auditFailure(ctx, event, f), nil
	}

	err = s.mfa.Disable(ctx, acct, code, backupCode)
	if errors.Is(err, ErrMFAInvalidCode) {
		if err := s.recordFailure(ctx, guard.AccountKey(acct.TenantID, acct.Email)); err != nil {
			return nil, s.auditError(ctx, event, err)
		}
		return s.auditFailure(ctx, event, &Failure{Reason: ReasonMFAInvalid}), nil
	}
	if err != nil {
		return nil, s.auditError(ctx, event, err)
	}
	s.emit(ctx, event)
	return nil, nil
}

// RegenerateBackupCodes replaces the caller's backup codes.
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, c *auth.Claims, code, ip string) ([]string, *Failure, error) {
	event := s.accountEvent(audit.EventBackupCodes, c, ip)
	codes, err := s.mfa.RegenerateBackupCodes(ctx, c.TenantID, c.AccountID(), code)
	if errors.Is(err, ErrMFAInvalidCode) {
		return nil, s.auditFailure(ctx, event, &Failure{Reason: ReasonMFAInvalid}), nil
	}
	if err != nil {
		return nil, nil, s.auditError(ctx, event, err)
	}
	s.emit(ctx, event.With("count", len(codes)))
	return codes, nil, nil
}

// CheckPermission reports whether the token grants action on resource.
// Denials are audited.
func (s *AuthService) CheckPermission(ctx context.Context, c *auth.Claims, resource, action string) (bool, error) {
	allowed, err := s.perms.Check(c.Permissions, resource, action)
	if err != nil {
		return false, err
	}
	if !allowed {
		event := s.accountEvent(audit.EventPermissionDenied, c, "")
		event.Outcome = audit.OutcomeFailure
		event.Reason = resource + ":" + action
		s.emit(ctx, event)
	}
	return allowed, nil
}

// AdminUnlock clears the lockout state and any persisted lock of an account
// in the administrator's tenant.
func (s *AuthService) AdminUnlock(ctx context.Context, admin *auth.Claims, accountID, ip string) error {
	event := s.accountEvent(audit.EventAccountUnlock, admin, ip)
	event = event.With("target_account_id", accountID)

	if !admin.Permissions.Has(permission.UsersManage) {
		event.Outcome = audit.OutcomeFailure
		event.Reason = "permission_denied"
		s.emit(ctx, event)
		return ErrPermissionDenied
	}

	acct, err := s.accounts.GetByID(ctx, admin.TenantID, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.auditError(ctx, event, ErrAccountNotFound)
		}
		return s.auditError(ctx, event, unavailable("load account", err))
	}
	key := guard.AccountKey(acct.TenantID, acct.Email)
	before, err := s.guard.Check(ctx, key)
	if err != nil {
		return s.auditError(ctx, event, unavailable("read lockout state", err))
	}
	event = event.With("guard_state", before[0].State.String()).With("failures", before[0].Failures)
	if err := s.guard.Unlock(ctx, key); err != nil {
		return s.auditError(ctx, event, unavailable("clear lockout", err))
	}
	if acct.Status == model.AccountStatusLocked {
		if err := s.accounts.UpdateStatus(ctx, acct.TenantID, acct.ID, model.AccountStatusActive, nil); err != nil {
			return s.auditError(ctx, event, unavailable("update account status", err))
		}
	}

	s.emit(ctx, event)
	s.log.Info().Str("account_id", acct.ID).Str("admin_id", admin.AccountID()).Msg("account unlocked by admin")
	return nil
}

// RevokeSession revokes one session of the caller. Holders of
// sessions:manage may revoke any session in their tenant; that is recorded
// with the admin reason.
func (s *AuthService) RevokeSession(ctx context.Context, c *auth.Claims, sessionID, ip string) error {
	event := s.accountEvent(audit.EventSessionRevoked, c, ip).With("session_id", sessionID)

	owner, reason := c.AccountID(), model.RevokeReasonUser
	if c.Permissions.Has(permission.SessionsManage) {
		sess, err := s.sessions.Get(ctx, c.TenantID, sessionID)
		if err != nil {
			return s.auditError(ctx, event, err)
		}
		if sess.AccountID != owner {
			owner, reason = sess.AccountID, model.RevokeReasonAdmin
			event = event.With("target_account_id", owner)
		}
	}

	if err := s.sessions.Revoke(ctx, c.TenantID, owner, sessionID, reason); err != nil {
		return s.auditError(ctx, event, err)
	}
	event.Reason = reason
	s.emit(ctx, event)
	return nil
}

// UntrustDevice removes a remembered device so the next login from it asks
// for MFA again.
func (s *AuthService) UntrustDevice(ctx context.Context, c *auth.Claims, fingerprint, ip string) error {
	event := s.accountEvent(audit.EventDeviceUntrusted, c, ip)
	if err := s.sessions.UntrustDevice(ctx, c.AccountID(), fingerprint); err != nil {
		return s.auditError(ctx, event, err)
	}
	s.emit(ctx, event)
	return nil
}

func (s *AuthService) checkPassword(ctx context.Context, acct *model.Account, password string) (*Failure, error) {
	ok, err := s.hasher.Verify(ctx, password, acct.PasswordHash)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if ok {
		return nil, nil
	}
	if err := s.recordFailure(ctx, guard.AccountKey(acct.TenantID, acct.Email)); err != nil {
		return nil, err
	}
	return &Failure{Reason: ReasonInvalidCredentials}, nil
}

func (s *AuthService) loadAccount(ctx context.Context, c *auth.Claims) (*model.Account, error) {
	acct, err := s.accounts.GetByID(ctx, c.TenantID, c.AccountID())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, unavailable("load account", err)
	}
	return acct, nil
}

func (s *AuthService) accountEvent(typ audit.EventType, c *auth.Claims, ip string) audit.Event {
	event := audit.NewEvent(typ, audit.OutcomeSuccess)
	event.TenantID = c.TenantID
	event.AccountID = c.AccountID()
	event.IP = cleanIP(ip)
	return event
}

func (s *AuthService) auditFailure(ctx context.Context, event audit.Event, f *Failure) *Failure {
	event.Outcome = audit.OutcomeFailure
	event.Reason = string(f.Reason)
	s.emit(ctx, event)
	return f
}

func (s *AuthService) auditError(ctx context.Context, event audit.Event, err error) error {
	event.Outcome = audit.OutcomeFailure
	event.Reason = "error"
	s.emit(ctx, event.With("error", err.Error()))
	return err
}

// emit delivers the event even when the request context has been cancelled.
func (s *AuthService) emit(ctx context.Context, event audit.Event) {
	s.audit.Emit(context.WithoutCancel(ctx), event)
}
