package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int64
}

// TokenBucket is a Redis-backed token bucket keyed per tenant, shared by every API replica.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity and refill rate.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "rl:events:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token of the tenant's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (Decision, error) {
	if tenant == "" {
		tenant = "anonymous"
	}
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + tenant}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	return Decision{Allowed: allowed == 1, Remaining: remaining}, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
