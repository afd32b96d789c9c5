package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/truststaff/apiserver/types"
)

const defaultKeyPrefix = "rl:"

// hitScript applies the fixed-window rules to one hash per client address.
// ARGV: now (ms), window (ms), limit. Returns {allowed, count, window_start_ms}.
const hitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local start = nil
local raw = redis.call("HGET", key, "start")
if raw then
  start = tonumber(raw)
end

if start == nil or now - start >= window then
  redis.call("HSET", key, "start", now, "count", 1)
  redis.call("PEXPIRE", key, window)
  return {1, 1, now}
end

local count = tonumber(redis.call("HGET", key, "count")) or 0
if count >= limit then
  return {0, count, start}
end

count = redis.call("HINCRBY", key, "count", 1)
return {1, count, start}
`

var hitLua = redis.NewScript(hitScript)

// RedisStore keeps fixed-window counters in Redis. Each hit runs as a single
// script, so concurrent requests for one address never lose an increment.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore backed by the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client, prefix: defaultKeyPrefix}
}

// Hit counts one request for key at now. It reports whether the request fits
// into the current window together with the counter state after the hit.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (types.RateLimit, bool, error) {
	if window <= 0 {
		return types.RateLimit{}, false, fmt.Errorf("rate limit window must be positive")
	}

	res, err := hitLua.Run(ctx, s.redis, []string{s.prefix + key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return types.RateLimit{}, false, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return types.RateLimit{}, false, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}

	record := types.RateLimit{
		IPAddress:    key,
		RequestCount: int(res[1]),
		WindowStart:  time.UnixMilli(res[2]).UTC(),
	}
	return record, res[0] == 1, nil
}
