package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/reconauth/internal/audit"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
)

type fakePurger struct {
	calls int
	err   error
}

func (f *fakePurger) PurgeExpired(context.Context) (int64, int64, error) {
	f.calls++
	return 2, 1, f.err
}

type fakeKeys struct {
	mu        sync.Mutex
	stale     bool
	rotated   int
	reloads   int
	purged    int
	reloadErr error
}

func (f *fakeKeys) NeedsRotation() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

func (f *fakeKeys) RotateKey(context.Context) (*model.VerificationKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated++
	f.stale = false
	return &model.VerificationKey{KeyID: "k2", Algorithm: "ed25519"}, nil
}

func (f *fakeKeys) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.reloadErr
}

func (f *fakeKeys) PurgeRetired(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged++
	return 0, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureSink) Emit(_ context.Context, e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func newMaintenance(t *testing.T, keys *fakeKeys) (*maintenance, *fakePurger, *captureSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p, sink := &fakePurger{}, &captureSink{}
	return &maintenance{
		sessions: p,
		keys:     keys,
		rdb:      rdb,
		sink:     sink,
		every:    time.Hour,
		log:      logger.Nop(),
	}, p, sink
}

func TestMaintenanceRotatesStaleKey(t *testing.T) {
	keys := &fakeKeys{stale: true}
	m, purger, sink := newMaintenance(t, keys)

	m.tick(context.Background())
	assert.Equal(t, 1, purger.calls)
	assert.Equal(t, 1, keys.rotated)
	assert.Equal(t, 1, keys.purged)
	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.EventKeyRotated, sink.events[0].Type)
	assert.Equal(t, "k2", sink.events[0].Metadata["key_id"])

	m.tick(context.Background())
	assert.Equal(t, 1, keys.rotated, "fresh key is left alone")
}

func TestMaintenanceRotationLockIsShared(t *testing.T) {
	keys := &fakeKeys{stale: true}
	first, _, _ := newMaintenance(t, keys)
	second := *first

	first.rotate(context.Background())
	keys.stale = true
	second.rotate(context.Background())
	assert.Equal(t, 1, keys.rotated, "only one instance rotates per interval")
}

func TestMaintenanceSkipsRotationWhenReloadFails(t *testing.T) {
	keys := &fakeKeys{stale: true, reloadErr: errors.New("db down")}
	m, purger, _ := newMaintenance(t, keys)
	purger.err = errors.New("db down")

	m.tick(context.Background())
	assert.Equal(t, 0, keys.rotated)
}
