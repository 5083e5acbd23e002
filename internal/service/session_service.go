package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
	"github.com/ledgerline/reconauth/internal/repository"
)

// SessionChannel is the Redis pub/sub channel session events are published on.
const SessionChannel = "reconauth:sessions"

// Session event types
const (
	SessionEventRevoked = "revoked"
	SessionEventEvicted = "evicted"
)

// SessionEvent is published whenever a session stops being usable.
type SessionEvent struct {
	Type      string `json:"type"`
	TenantID  string `json:"tenantId"`
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// SessionRevoker makes a session's tokens fail verification. Implemented by
// auth.TokenService.
type SessionRevoker interface {
	RevokeSession(ctx context.Context, tenantID, sessionID string, ttl time.Duration) error
}

// CreateSessionRequest carries what is known about a freshly authenticated client.
type CreateSessionRequest struct {
	TenantID  string
	AccountID string
	Device    DeviceInfo
	Trusted   bool
}

// SessionService is the device and session registry. Postgres is the source
// of truth; Redis carries the revocation markers the token service checks.
type SessionService struct {
	sessions SessionStore
	devices  TrustedDeviceStore
	revoker  SessionRevoker
	rdb      *database.Redis
	cfg      config.SessionsConfig
	log      *logger.Logger
	now      func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(
	sessions SessionStore,
	devices TrustedDeviceStore,
	revoker SessionRevoker,
	rdb *database.Redis,
	cfg config.SessionsConfig,
	log *logger.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		devices:  devices,
		revoker:  revoker,
		rdb:      rdb,
		cfg:      cfg,
		log:      log.WithComponent("session_service"),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *SessionService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateSession registers a new session, evicting the least recently
// accessed sessions of the account when the ceiling is reached. Device must
// already be normalized. The evicted sessions are returned. If an evicted
// session cannot be marked revoked the new session is withdrawn and the
// error wraps ErrStorageUnavailable.
func (s *SessionService) CreateSession(ctx context.Context, req CreateSessionRequest) (*model.Session, []*model.Session, error) {
	now := s.now()
	sess := &model.Session{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		TenantID:       req.TenantID,
		Fingerprint:    req.Device.Fingerprint,
		DeviceName:     parseDeviceName(req.Device.UserAgent),
		UserAgent:      req.Device.UserAgent,
		IPAddress:      req.Device.IP,
		Trusted:        req.Trusted,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.cfg.AbsoluteTTL),
	}

	evicted, err := s.sessions.CreateWithCeiling(ctx, sess, s.ceiling(), now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrAccountNotFound
		}
		return nil, nil, unavailable("create session", err)
	}

	var errs []error
	for _, victim := range evicted {
		if err := s.markRevoked(ctx, victim, SessionEventEvicted, model.RevokeReasonEvicted); err != nil {
			s.log.Error().Err(err).Str("session_id", victim.ID).Msg("failed to mark evicted session")
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		// Evicted access tokens would stay usable, so the new session is
		// withdrawn. No tokens exist for it yet.
		if _, rerr := s.sessions.Revoke(context.WithoutCancel(ctx), sess.TenantID, sess.ID, model.RevokeReasonLogout, now); rerr != nil {
			s.log.Error().Err(rerr).Str("session_id", sess.ID).Msg("failed to withdraw session")
		}
		return nil, evicted, err
	}

	if len(evicted) > 0 {
		s.log.Info().
			Str("account_id", req.AccountID).
			Int("evicted", len(evicted)).
			Msg("session ceiling reached, evicted least recently used sessions")
	}

	return sess, evicted, nil
}

// Touch records activity on a session.
func (s *SessionService) Touch(ctx context.Context, sessionID string) error {
	if err := s.sessions.Touch(ctx, sessionID, s.now()); err != nil {
		return unavailable("touch session", err)
	}
	return nil
}

// Get returns a session of the tenant. Ids that are not UUIDs cannot exist.
func (s *SessionService) Get(ctx context.Context, tenantID, sessionID string) (*model.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrSessionNotFound
	}
	sess, err := s.sessions.GetByID(ctx, tenantID, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, unavailable("get session", err)
	}
	return sess, nil
}

// IsActive reports whether the session exists, is unrevoked and unexpired.
func (s *SessionService) IsActive(ctx context.Context, tenantID, sessionID string) (bool, error) {
	sess, err := s.Get(ctx, tenantID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.IsActive(s.now()), nil
}

// List returns the active sessions of an account, most recently used first.
func (s *SessionService) List(ctx context.Context, accountID string) ([]*model.Session, error) {
	sessions, err := s.sessions.ListActive(ctx, accountID, s.now())
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	return sessions, nil
}

// Revoke revokes one session of accountID. Revoking an already revoked
// session re-asserts the revocation marker.
func (s *SessionService) Revoke(ctx context.Context, tenantID, accountID, sessionID, reason string) error {
	sess, err := s.Get(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if accountID != "" && sess.AccountID != accountID {
		return ErrSessionNotFound
	}

	revoked, err := s.sessions.Revoke(ctx, tenantID, sessionID, reason, s.now())
	switch {
	case err == nil:
		sess = revoked
	case errors.Is(err, repository.ErrNotFound):
	default:
		return unavailable("revoke session", err)
	}

	if err := s.markRevoked(ctx, sess, SessionEventRevoked, reason); err != nil {
		return err
	}

	s.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("session revoked")
	return nil
}

// RevokeAll revokes every active session of the account except exceptID and
// returns how many were revoked.
func (s *SessionService) RevokeAll(ctx context.Context, tenantID, accountID, exceptID, reason string) (int, error) {
	revoked, err := s.sessions.RevokeAll(ctx, tenantID, accountID, exceptID, reason, s.now())
	if err != nil {
		return 0, unavailable("revoke sessions", err)
	}

	var errs []error
	for _, sess := range revoked {
		if err := s.markRevoked(ctx, sess, SessionEventRevoked, reason); err != nil {
			errs = append(errs, err)
		}
	}

	s.log.Info().
		Str("account_id", accountID).
		Int("count", len(revoked)).
		Str("reason", reason).
		Msg("sessions revoked")

	return len(revoked), errors.Join(errs...)
}

// markRevoked sets the Redis revocation marker and publishes the event.
// Only the marker is security relevant; publish failures are logged.
func (s *SessionService) markRevoked(ctx context.Context, sess *model.Session, eventType, reason string) error {
	if err := s.revoker.RevokeSession(ctx, sess.TenantID, sess.ID, s.cfg.AbsoluteTTL); err != nil {
		return unavailable("mark session revoked", err)
	}

	event := SessionEvent{
		Type:      eventType,
		TenantID:  sess.TenantID,
		AccountID: sess.AccountID,
		SessionID: sess.ID,
		Reason:    reason,
		Timestamp: s.now().Unix(),
	}
	if err := s.publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to publish session event")
	}
	return nil
}

func (s *SessionService) publish(ctx context.Context, event SessionEvent) error {
	if s.rdb == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	if err := s.rdb.Publish(ctx, SessionChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	return nil
}

// Subscribe returns a channel receiving session events from every instance.
// The returned function ends the subscription.
func (s *SessionService) Subscribe(ctx context.Context) (<-chan SessionEvent, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, SessionChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, unavailable("subscribe to session events", err)
	}

	events := make(chan SessionEvent, 100)

	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var event SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.log.Error().Err(err).Msg("failed to unmarshal session event")
				continue
			}
			select {
			case events <- event:
			default:
				s.log.Warn().Msg("session event channel full, dropping event")
			}
		}
	}()

	cleanup := func() {
		_ = pubsub.Close()
	}

	return events, cleanup, nil
}

// TrustDevice marks the (hashed) fingerprint as trusted for the configured period.
func (s *SessionService) TrustDevice(ctx context.Context, tenantID, accountID, fingerprint, label string) (*model.TrustedDevice, error) {
	if fingerprint == "" {
		return nil, ErrDeviceNotFound
	}
	now := s.now()
	d := &model.TrustedDevice{
		AccountID:   accountID,
		TenantID:    tenantID,
		Fingerprint: fingerprint,
		Label:       label,
		ExpiresAt:   now.Add(s.cfg.TrustedDeviceTTL),
		CreatedAt:   now,
	}
	if err := s.devices.Upsert(ctx, d); err != nil {
		return nil, unavailable("trust device", err)
	}
	return d, nil
}

// IsTrustedDevice reports whether an unexpired trust grant exists.
func (s *SessionService) IsTrustedDevice(ctx context.Context, accountID, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	d, err := s.devices.Get(ctx, accountID, fingerprint)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, unavailable("load trusted device", err)
	}
	return d.IsValid(s.now()), nil
}

// UntrustDevice removes one trust grant.
func (s *SessionService) UntrustDevice(ctx context.Context, accountID, fingerprint string) error {
	if err := s.devices.Delete(ctx, accountID, fingerprint); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return unavailable("untrust device", err)
	}
	return nil
}

// UntrustAll removes every trust grant of the account.
func (s *SessionService) UntrustAll(ctx context.Context, accountID string) error {
	if err := s.devices.DeleteAll(ctx, accountID); err != nil {
		return unavailable("untrust devices", err)
	}
	return nil
}

// ListTrustedDevices returns the unexpired grants of the account.
func (s *SessionService) ListTrustedDevices(ctx context.Context, accountID string) ([]*model.TrustedDevice, error) {
	devices, err := s.devices.ListValid(ctx, accountID, s.now())
	if err != nil {
		return nil, unavailable("list trusted devices", err)
	}
	return devices, nil
}

// PurgeExpired deletes sessions that ended more than the retention period
// ago and trust grants that have expired.
func (s *SessionService) PurgeExpired(ctx context.Context) (sessions, devices int64, err error) {
	now := s.now()
	sessions, err = s.sessions.DeleteStale(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return 0, 0, unavailable("purge sessions", err)
	}
	devices, err = s.devices.DeleteExpired(ctx, now)
	if err != nil {
		return sessions, 0, unavailable("purge trusted devices", err)
	}
	if sessions > 0 || devices > 0 {
		s.log.Info().Int64("sessions", sessions).Int64("devices", devices).Msg("purged expired session data")
	}
	return sessions, devices, nil
}

func (s *SessionService) ceiling() int {
	if s.cfg.MaxPerAccount < 1 {
		return 1
	}
	return s.cfg.MaxPerAccount
}
