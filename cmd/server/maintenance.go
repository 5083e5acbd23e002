package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/reconauth/internal/audit"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
)

type sessionPurger interface {
	PurgeExpired(ctx context.Context) (sessions, devices int64, err error)
}

type keyRotator interface {
	NeedsRotation() bool
	RotateKey(ctx context.Context) (*model.VerificationKey, error)
	Reload(ctx context.Context) error
	PurgeRetired(ctx context.Context) (int64, error)
}

// rotationLockKey serializes key rotation across instances.
const rotationLockKey = "reconauth:maint:keyrotate"

// maintenance runs the periodic housekeeping every instance shares:
// purging dead sessions and device grants, and rotating signing keys.
type maintenance struct {
	sessions sessionPurger
	keys     keyRotator
	rdb      redis.Cmdable
	sink     audit.Sink
	every    time.Duration
	log      *logger.Logger
}

func (m *maintenance) run(ctx context.Context) {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()

	m.log.Info().Dur("every", m.every).Msg("maintenance started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("maintenance stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *maintenance) tick(ctx context.Context) {
	sessions, devices, err := m.sessions.PurgeExpired(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to purge expired sessions")
	} else if sessions+devices > 0 {
		m.log.Info().Int64("sessions", sessions).Int64("devices", devices).Msg("purged expired sessions")
	}

	// Pick up rotations performed by other instances.
	if err := m.keys.Reload(ctx); err != nil {
		m.log.Error().Err(err).Msg("failed to reload signing keys")
		return
	}

	if m.keys.NeedsRotation() {
		m.rotate(ctx)
	}

	if n, err := m.keys.PurgeRetired(ctx); err != nil {
		m.log.Error().Err(err).Msg("failed to purge retired keys")
	} else if n > 0 {
		m.log.Info().Int64("count", n).Msg("purged retired signing keys")
	}
}

func (m *maintenance) rotate(ctx context.Context) {
	won, err := m.rdb.SetNX(ctx, rotationLockKey, "1", m.every).Result()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to take key rotation lock")
		return
	}
	if !won {
		return
	}

	key, err := m.keys.RotateKey(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("scheduled key rotation failed")
		return
	}
	m.sink.Emit(ctx, audit.NewEvent(audit.EventKeyRotated, audit.OutcomeSuccess).
		With("key_id", key.KeyID).
		With("algorithm", key.Algorithm).
		With("trigger", "schedule"))
}
