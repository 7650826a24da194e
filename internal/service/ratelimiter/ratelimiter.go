// Package ratelimiter implements a Redis-backed token bucket shared across
// API replicas. It fails open on Redis errors so a cache outage never takes
// the API down with it.
package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether one request under the given key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// TokenBucket refills at rate tokens/second up to capacity, keyed per caller.
// Bucket state lives in Redis so the limit holds across replicas.
type TokenBucket struct {
	rdb        *redis.Client
	capacity   int64
	refillRate float64
	ttl        time.Duration
	script     *redis.Script
}

// NewPerMinute builds a bucket allowing perMinute requests per key per
// minute, with bursts up to perMinute. A nil client or non-positive rate
// yields a limiter that always allows.
func NewPerMinute(rdb *redis.Client, perMinute int) *TokenBucket {
	if rdb == nil || perMinute <= 0 {
		return &TokenBucket{}
	}
	return &TokenBucket{
		rdb:        rdb,
		capacity:   int64(perMinute),
		refillRate: float64(perMinute) / 60.0,
		ttl:        5 * time.Minute,
		script:     redis.NewScript(tokenBucketScript),
	}
}

const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] then
  tokens = tonumber(data[1])
end
if data[2] then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif refill_rate > 0 then
  retry_after = (1 - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, ttl)

return { allowed, retry_after }
`

// Allow consumes one token for key. Redis failures log and allow.
func (l *TokenBucket) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb, []string{"rate:api:" + key},
		l.capacity, l.refillRate, nowSec, int64(l.ttl.Seconds())).Result()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toFloat64(vals[1]) * float64(time.Second))
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		return 0
	default:
		return 0
	}
}
