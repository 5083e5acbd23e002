package audit

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.WithComponent("audit")}
}

func (s *LogSink) Emit(_ context.Context, e Event) {
	ev := s.log.Info()
	if e.Outcome == OutcomeFailure || e.Type == EventSecurityAlert {
		ev = s.log.Warn()
	}
	ev = ev.Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("outcome", string(e.Outcome)).
		Str("tenant_id", e.TenantID).
		Str("ip", e.IP)
	if e.AccountID != "" {
		ev = ev.Str("account_id", e.AccountID)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if len(e.Metadata) > 0 {
		ev = ev.Interface("metadata", e.Metadata)
	}
	ev.Msg("audit event")
}

// Recorder persists audit rows. Implemented by repository.AuditRepository.
type Recorder interface {
	Create(ctx context.Context, log *model.AuditLog) error
}

// PostgresSink appends events to the audit_logs table.
type PostgresSink struct {
	repo Recorder
	log  *logger.Logger
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(repo Recorder, log *logger.Logger) *PostgresSink {
	return &PostgresSink{repo: repo, log: log.WithComponent("audit_store")}
}

func (s *PostgresSink) Emit(ctx context.Context, e Event) {
	if err := s.repo.Create(ctx, ToModel(e)); err != nil {
		s.log.Error().Err(err).Str("event_id", e.ID).Str("event_type", string(e.Type)).Msg("failed to persist audit event")
	}
}

// ToModel converts an event to its persisted form.
func ToModel(e Event) *model.AuditLog {
	return &model.AuditLog{
		ID:        e.ID,
		EventType: string(e.Type),
		TenantID:  optional(e.TenantID),
		AccountID: optional(e.AccountID),
		IPAddress: optional(e.IP),
		Outcome:   string(e.Outcome),
		Reason:    optional(e.Reason),
		Metadata:  e.Metadata,
		CreatedAt: e.At,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Publisher is the subset of the Redis client RedisSink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a pub/sub channel for live consumers.
type RedisSink struct {
	rdb     Publisher
	channel string
	log     *logger.Logger
}

// DefaultChannel is used when no publish channel is configured.
const DefaultChannel = "reconauth:audit"

// NewRedisSink creates a RedisSink.
func NewRedisSink(rdb Publisher, channel string, log *logger.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{rdb: rdb, channel: channel, log: log.WithComponent("audit_publish")}
}

// Channel returns the pub/sub channel events are published on.
func (s *RedisSink) Channel() string {
	return s.channel
}

func (s *RedisSink) Emit(ctx context.Context, e Event) {
	payload, err := e.JSON()
	if err != nil {
		s.log.Error().Err(err).Str("event_id", e.ID).Msg("failed to encode audit event")
		return
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("event_id", e.ID).Msg("failed to publish audit event")
	}
}
