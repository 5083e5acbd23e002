// Package audit carries structured security events from the authentication
// core to whatever stores or displays them. Delivery is best effort: a sink
// that fails never fails the request that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened
type EventType string

const (
	EventLogin            EventType = "login"
	EventTokenRefresh     EventType = "token_refresh"
	EventLogout           EventType = "logout"
	EventPasswordChange   EventType = "password_change"
	EventMFASetup         EventType = "mfa_setup"
	EventMFAEnable        EventType = "mfa_enable"
	EventMFADisable       EventType = "mfa_disable"
	EventBackupCodes      EventType = "backup_codes_regenerated"
	EventSessionRevoked   EventType = "session_revoked"
	EventDeviceUntrusted  EventType = "device_untrusted"
	EventAccountUnlock    EventType = "account_unlock"
	EventKeyRotated       EventType = "key_rotated"
	EventMetricsSnapshot  EventType = "metrics_snapshot"
	EventSecurityAlert    EventType = "security_alert"
	EventPermissionDenied EventType = "permission_denied"
)

// Outcome of the audited operation
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeChallenge Outcome = "challenge"
	OutcomeInfo      Outcome = "info"
)

// Event is one immutable audit record. AccountID is empty for attempts
// that could not be tied to an account.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	TenantID  string         `json:"tenantId,omitempty"`
	AccountID string         `json:"accountId,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        time.Time      `json:"at"`
}

// NewEvent returns an event stamped with a fresh id and the current time.
func NewEvent(typ EventType, outcome Outcome) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Outcome: outcome,
		At:      time.Now().UTC(),
	}
}

// With returns a copy of e with key set in its metadata.
func (e Event) With(key string, value any) Event {
	md := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// JSON encodes the event for publishing.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }
