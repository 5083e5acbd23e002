// Package guard tracks failed authentication attempts per account and per
// source address and decides when a key is locked out.
//
// Counters live in Redis sorted sets so that every instance of the service
// sees the same window. All mutations run as a single Lua script.
package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
)

// ErrUnavailable indicates the counter store could not be reached. The
// accompanying Status is always Locked.
var ErrUnavailable = errors.New("lockout backend unavailable")

// Kind is the dimension a key counts failures along.
type Kind string

const (
	KindAccount Kind = "acct"
	KindIP      Kind = "ip"
)

// unknownSubject stands in for a missing identifier. Requests that carry no
// usable address still share one counter.
const unknownSubject = "unknown"

// pendingRetry is reported when the window is full of attempts that are
// still being checked.
const pendingRetry = time.Second

// Key identifies one counter.
type Key struct {
	Kind     Kind
	TenantID string
	Subject  string
}

// AccountKey keys failures by login identifier.
func AccountKey(tenantID, email string) Key {
	return Key{Kind: KindAccount, TenantID: tenantID, Subject: strings.ToLower(strings.TrimSpace(email))}
}

// IPKey keys failures by client address.
func IPKey(tenantID, ip string) Key {
	return Key{Kind: KindIP, TenantID: tenantID, Subject: strings.TrimSpace(ip)}
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.subject()
}

func (k Key) subject() string {
	if k.Subject == "" {
		return unknownSubject
	}
	return k.Subject
}

// State of a key.
type State int

const (
	Open State = iota
	Warning
	Locked
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Warning:
		return "warning"
	case Locked:
		return "locked"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Status is the view of one key at a point in time.
type Status struct {
	Key         Key
	State       State
	Failures    int
	Max         int
	RetryAfter  time.Duration
	LockedUntil time.Time
	// Tripped is set on the RecordFailure call that created the lock.
	Tripped bool
}

// Remaining is the number of failures left before the key locks.
func (s Status) Remaining() int {
	if s.State == Locked {
		return 0
	}
	if r := s.Max - s.Failures; r > 0 {
		return r
	}
	return 0
}

// KEYS: window, lock, level
// ARGV: now_ms, window_ms, max, member (empty: count only), base_ms, multiplier, max_ms, progressive, rolling_ms
const recordFailureScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local locked = redis.call("PTTL", KEYS[2])
if locked > 0 then
  return {-1, locked, 0}
end

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if ARGV[4] ~= "" then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
end
local count = redis.call("ZCARD", KEYS[1])
if count < max then
  return {count, 0, 0}
end

local base = tonumber(ARGV[5])
local mult = tonumber(ARGV[6])
local cap = tonumber(ARGV[7])
local level = tonumber(redis.call("GET", KEYS[3]) or "0")
local dur = base
if ARGV[8] == "1" then
  for i = 1, level do
    dur = dur * mult
    if dur >= cap then
      break
    end
  end
end
if dur > cap then
  dur = cap
end

redis.call("SET", KEYS[2], now + dur, "PX", dur)
redis.call("SET", KEYS[3], level + 1, "PX", ARGV[9])
redis.call("DEL", KEYS[1])
return {count, dur, 1}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// Guard is the rate and lockout guard.
type Guard struct {
	rdb *database.Redis
	cfg config.LockoutConfig
	now func() time.Time
}

// New creates a Guard.
func New(rdb *database.Redis, cfg config.LockoutConfig) *Guard {
	return &Guard{rdb: rdb, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Check returns the status of each key, in order.
func (g *Guard) Check(ctx context.Context, keys ...Key) ([]Status, error) {
	now := g.now()
	out := make([]Status, len(keys))

	type pending struct {
		count *redis.IntCmd
		ttl   *redis.DurationCmd
	}
	cmds := make([]pending, len(keys))

	pipe := g.rdb.Pipeline()
	for i, k := range keys {
		out[i] = Status{Key: k, Max: g.max(k.Kind)}
		from := "(" + strconv.FormatInt(now.Add(-g.cfg.Window).UnixMilli(), 10)
		cmds[i].count = pipe.ZCount(ctx, g.windowKey(k), from, "+inf")
		cmds[i].ttl = pipe.PTTL(ctx, g.lockKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		for i := range out {
			out[i].State = Locked
		}
		return out, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for i := range out {
		out[i].Failures = int(cmds[i].count.Val())
		if ttl := cmds[i].ttl.Val(); ttl > 0 {
			out[i].State = Locked
			out[i].RetryAfter = ttl
			out[i].LockedUntil = now.Add(ttl)
			continue
		}
		out[i].State = g.classify(out[i].Failures, out[i].Max)
	}
	return out, nil
}

// RecordFailure counts one failure against k and locks the key when the
// threshold is reached.
func (g *Guard) RecordFailure(ctx context.Context, k Key) (Status, error) {
	return g.settle(ctx, k, newMember(g.now()))
}

// settle locks k when its window has reached the threshold. A non-empty
// member is added to the window first.
func (g *Guard) settle(ctx context.Context, k Key, member string) (Status, error) {
	st := Status{Key: k, Max: g.max(k.Kind)}
	now := g.now()
	progressive := "0"
	if g.cfg.Progressive {
		progressive = "1"
	}
	multiplier := g.cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	rolling := g.cfg.RollingPeriod
	if rolling <= 0 {
		rolling = g.capDuration()
	}

	res, err := recordFailureLua.Run(ctx, g.rdb,
		[]string{g.windowKey(k), g.lockKey(k), g.levelKey(k)},
		now.UnixMilli(),
		g.cfg.Window.Milliseconds(),
		st.Max,
		member,
		g.cfg.BaseDuration.Milliseconds(),
		multiplier,
		g.capDuration().Milliseconds(),
		progressive,
		rolling.Milliseconds(),
	).Int64Slice()
	if err != nil {
		st.State = Locked
		return st, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 3 {
		st.State = Locked
		return st, fmt.Errorf("%w: unexpected script result %v", ErrUnavailable, res)
	}

	count, lockMs, tripped := res[0], res[1], res[2]
	if lockMs > 0 {
		st.State = Locked
		st.RetryAfter = time.Duration(lockMs) * time.Millisecond
		st.LockedUntil = now.Add(st.RetryAfter)
		st.Tripped = tripped == 1
		if count > 0 {
			st.Failures = int(count)
		} else {
			st.Failures = st.Max
		}
		return st, nil
	}

	st.Failures = int(count)
	st.State = g.classify(st.Failures, st.Max)
	return st, nil
}

// RecordSuccess clears the failure window of k. Lock and level survive.
func (g *Guard) RecordSuccess(ctx context.Context, k Key) error {
	if err := g.rdb.Del(ctx, g.windowKey(k)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Unlock clears the lock, window and progressive level of k.
func (g *Guard) Unlock(ctx context.Context, k Key) error {
	if err := g.rdb.Del(ctx, g.windowKey(k), g.lockKey(k), g.levelKey(k)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping reports whether the counter store is reachable.
func (g *Guard) Ping(ctx context.Context) error {
	if err := g.rdb.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func newMember(now time.Time) string {
	return strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
}

func (g *Guard) classify(failures, max int) State {
	if max <= 0 {
		return Open
	}
	if failures >= max {
		return Locked
	}
	if g.cfg.WarningRatio > 0 && failures >= int(math.Ceil(g.cfg.WarningRatio*float64(max))) {
		return Warning
	}
	return Open
}

func (g *Guard) max(kind Kind) int {
	if kind == KindIP {
		return g.cfg.IPMaxFailures
	}
	return g.cfg.AccountMaxFailures
}

func (g *Guard) capDuration() time.Duration {
	if g.cfg.MaxDuration < g.cfg.BaseDuration {
		return g.cfg.BaseDuration
	}
	return g.cfg.MaxDuration
}

func (g *Guard) windowKey(k Key) string {
	return database.TenantKey("rl", k.TenantID, string(k.Kind), k.subject(), strconv.FormatInt(int64(g.cfg.Window/time.Second), 10))
}

func (g *Guard) lockKey(k Key) string {
	return database.TenantKey("lock", k.TenantID, string(k.Kind), k.subject())
}

func (g *Guard) levelKey(k Key) string {
	return database.TenantKey("lvl", k.TenantID, string(k.Kind), k.subject())
}
