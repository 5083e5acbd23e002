package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS: window and lock key per guarded key, in pairs
// ARGV: now_ms, window_ms, member, then max per guarded key
//
// Returns count and lock ttl per key, then 1 when the attempt was refused.
// A refused attempt is not counted anywhere.
const beginScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local n = #KEYS / 2
local out = {}
local refused = 0
for i = 1, n do
  local wkey = KEYS[2 * i - 1]
  redis.call("ZREMRANGEBYSCORE", wkey, "-inf", now - window)
  local count = redis.call("ZCARD", wkey)
  local ttl = redis.call("PTTL", KEYS[2 * i])
  local max = tonumber(ARGV[3 + i])
  if ttl > 0 or (max > 0 and count >= max) then
    refused = 1
  end
  out[2 * i - 1] = count
  out[2 * i] = ttl
end
if refused == 0 then
  for i = 1, n do
    redis.call("ZADD", KEYS[2 * i - 1], now, ARGV[3])
    redis.call("PEXPIRE", KEYS[2 * i - 1], window)
    out[2 * i - 1] = out[2 * i - 1] + 1
  end
end
out[2 * n + 1] = refused
return out
`

var beginLua = redis.NewScript(beginScript)

// Attempt is an authentication attempt already counted as a failure against
// its keys. It must end with Fail or Release.
type Attempt struct {
	g      *Guard
	keys   []Key
	member string
}

// Begin counts an attempt against every key before the credentials are
// checked, so concurrent attempts cannot all pass a nearly exhausted window.
// When any key is locked, or its window is already full of counted attempts,
// nothing is counted and the returned Attempt is nil. Statuses are returned
// in key order. On error every status is Locked.
func (g *Guard) Begin(ctx context.Context, keys ...Key) (*Attempt, []Status, error) {
	now := g.now()
	member := newMember(now)

	redisKeys := make([]string, 0, 2*len(keys))
	args := []any{now.UnixMilli(), g.cfg.Window.Milliseconds(), member}
	out := make([]Status, len(keys))
	for i, k := range keys {
		out[i] = Status{Key: k, Max: g.max(k.Kind)}
		redisKeys = append(redisKeys, g.windowKey(k), g.lockKey(k))
		args = append(args, out[i].Max)
	}

	res, err := beginLua.Run(ctx, g.rdb, redisKeys, args...).Int64Slice()
	if err == nil && len(res) != 2*len(keys)+1 {
		err = fmt.Errorf("unexpected script result %v", res)
	}
	if err != nil {
		for i := range out {
			out[i].State = Locked
		}
		return nil, out, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	refused := res[len(res)-1] == 1
	for i := range out {
		out[i].Failures = int(res[2*i])
		if ttl := time.Duration(res[2*i+1]) * time.Millisecond; ttl > 0 {
			out[i].State = Locked
			out[i].RetryAfter = ttl
			out[i].LockedUntil = now.Add(ttl)
			continue
		}
		if refused && out[i].Max > 0 && out[i].Failures >= out[i].Max {
			// Full of attempts still in flight. One of them trips the lock.
			out[i].State = Locked
			out[i].RetryAfter = pendingRetry
			out[i].LockedUntil = now.Add(pendingRetry)
			continue
		}
		out[i].State = g.classify(out[i].Failures, out[i].Max)
		if !refused && out[i].State == Locked {
			// The counted attempt itself reaches the threshold; it still runs.
			out[i].State = Warning
		}
	}
	if refused {
		return nil, out, nil
	}
	return &Attempt{g: g, keys: keys, member: member}, out, nil
}

// Fail keeps the counted failure and locks every key whose window reached
// its threshold.
func (a *Attempt) Fail(ctx context.Context) ([]Status, error) {
	out := make([]Status, len(a.keys))
	for i, k := range a.keys {
		st, err := a.g.settle(ctx, k, "")
		if err != nil {
			return nil, err
		}
		out[i] = st
	}
	return out, nil
}

// Release withdraws the counted attempt. Used when the credentials were
// valid.
func (a *Attempt) Release(ctx context.Context) error {
	pipe := a.g.rdb.Pipeline()
	for _, k := range a.keys {
		pipe.ZRem(ctx, a.g.windowKey(k), a.member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
