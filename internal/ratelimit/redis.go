package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps the sliding log in a sorted set so several processes
// behind one egress IP share a single upstream budget. Scores are Redis
// server milliseconds, which avoids skew between hosts; the now argument
// is ignored.
type RedisWindow struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisWindow(rdb redis.UniversalClient, key string) *RedisWindow {
	if key == "" {
		key = "modwatch:upstream"
	}
	return &RedisWindow{rdb: rdb, key: key}
}

// KEYS[1]=log ARGV[1]=window_ms ARGV[2]=limit ARGV[3]=cost ARGV[4]=member prefix
var admitScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count + cost <= limit then
  for i = 1, cost do
    redis.call('ZADD', KEYS[1], now, ARGV[4] .. ':' .. i)
  end
  redis.call('PEXPIRE', KEYS[1], window)
  return 0
end
local idx = count + cost - limit - 1
local oldest = redis.call('ZRANGE', KEYS[1], idx, idx, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then wait = 1 end
return wait
`)

var countScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
return redis.call('ZCOUNT', KEYS[1], '(' .. (now - tonumber(ARGV[1])), '+inf')
`)

func (w *RedisWindow) Admit(ctx context.Context, _ time.Time, cost, limit int, window time.Duration) (time.Duration, error) {
	ms, err := admitScript.Run(ctx, w.rdb, []string{w.key}, window.Milliseconds(), limit, cost, uuid.NewString()).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (w *RedisWindow) Count(ctx context.Context, _ time.Time, window time.Duration) (int, error) {
	n, err := countScript.Run(ctx, w.rdb, []string{w.key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
