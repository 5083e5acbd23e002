package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/reconauth/internal/logger"
)

// Subscriber reads events published by RedisSink on any instance.
type Subscriber struct {
	rdb     *redis.Client
	channel string
	log     *logger.Logger
}

// NewSubscriber creates a Subscriber for channel.
func NewSubscriber(rdb *redis.Client, channel string, log *logger.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{rdb: rdb, channel: channel, log: log.WithComponent("audit_subscribe")}
}

// Subscribe returns a channel of events of the given types, or of every
// type when none are given. The returned function ends the subscription.
func (s *Subscriber) Subscribe(ctx context.Context, types ...EventType) (<-chan Event, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}

	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	events := make(chan Event, 32)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				s.log.Error().Err(err).Msg("failed to decode audit event")
				continue
			}
			if len(want) > 0 && !want[e.Type] {
				continue
			}
			select {
			case events <- e:
			default:
				s.log.Warn().Str("event_id", e.ID).Msg("audit subscriber full, dropping event")
			}
		}
	}()

	return events, func() { _ = pubsub.Close() }, nil
}
