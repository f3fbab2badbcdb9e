// Package redis implements ratelimit.Limiter against a shared Redis
// instance, using a Lua script so the refill-then-consume check (spec
// §4.2) runs atomically even with many concurrent workers.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/ratelimit"
)

var _ ratelimit.Limiter = (*Limiter)(nil)

const keyPrefix = "dispatch:rate:bucket:"

func bucketKey(provider job.ProviderKind) string { return keyPrefix + string(provider) }

// tryAcquireScript implements spec §4.2's check-and-consume exactly:
// refill tokens up to capacity for the elapsed time since last_refill_ts,
// then consume n tokens if enough are available. KEYS[1] is the bucket
// hash; ARGV is capacity, refill_rate, now (unix seconds, float), n.
const tryAcquireScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "last_refill_ts")
local tokens = tonumber(bucket[1])
local last_refill_ts = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  last_refill_ts = now
end

local elapsed = now - last_refill_ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local acquired = 0
if tokens >= n then
  tokens = tokens - n
  acquired = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill_ts", tostring(now))
return acquired
`

// peekScript reports the bucket's refilled-but-not-consumed token count
// without writing anything back, so a stats read never perturbs the rate
// limit itself. KEYS[1] is the bucket hash; ARGV is capacity, refill_rate,
// now (unix seconds, float).
const peekScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call("HMGET", key, "tokens", "last_refill_ts")
local tokens = tonumber(bucket[1])
local last_refill_ts = tonumber(bucket[2])

if tokens == nil then
  return tostring(capacity)
end

local elapsed = now - last_refill_ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill_rate)
return tostring(tokens)
`

// Limiter implements ratelimit.Limiter via the Lua script above.
type Limiter struct {
	client     goredis.Scripter
	script     *goredis.Script
	peekScript *goredis.Script
	configs    map[job.ProviderKind]ratelimit.BucketConfig
}

// New builds a Limiter against client, using configs (or
// ratelimit.DefaultBuckets for any provider not present in configs) for
// each bucket's capacity and refill rate.
func New(client goredis.Scripter, configs map[job.ProviderKind]ratelimit.BucketConfig) *Limiter {
	if configs == nil {
		configs = ratelimit.DefaultBuckets
	}
	return &Limiter{
		client:     client,
		script:     goredis.NewScript(tryAcquireScript),
		peekScript: goredis.NewScript(peekScript),
		configs:    configs,
	}
}

func (l *Limiter) bucketConfig(provider job.ProviderKind) ratelimit.BucketConfig {
	if cfg, ok := l.configs[provider]; ok {
		return cfg
	}
	if cfg, ok := ratelimit.DefaultBuckets[provider]; ok {
		return cfg
	}
	return ratelimit.BucketConfig{Capacity: 1, RefillRate: 1}
}

func (l *Limiter) TryAcquire(ctx context.Context, provider job.ProviderKind, n int) (bool, error) {
	cfg := l.bucketConfig(provider)

	now := nowUnixSeconds()
	res, err := l.script.Run(ctx, l.client, []string{bucketKey(provider)}, cfg.Capacity, cfg.RefillRate, now, n).Int()
	if err != nil {
		return false, fmt.Errorf("dispatch/ratelimit/redis: try_acquire %s: %w", provider, err)
	}
	return res == 1, nil
}

func (l *Limiter) BucketState(ctx context.Context, provider job.ProviderKind) (ratelimit.BucketState, error) {
	cfg := l.bucketConfig(provider)

	now := nowUnixSeconds()
	res, err := l.peekScript.Run(ctx, l.client, []string{bucketKey(provider)}, cfg.Capacity, cfg.RefillRate, now).Float64()
	if err != nil {
		return ratelimit.BucketState{}, fmt.Errorf("dispatch/ratelimit/redis: peek %s: %w", provider, err)
	}
	return ratelimit.BucketState{Available: res, Capacity: cfg.Capacity, RefillRate: cfg.RefillRate}, nil
}
