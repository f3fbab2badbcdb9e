// Package memory implements ratelimit.Limiter with one golang.org/x/time/rate
// bucket per provider, held in-process. Safe for concurrent use.
package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/ratelimit"
)

var _ ratelimit.Limiter = (*Limiter)(nil)

// Limiter holds one token bucket per provider.
type Limiter struct {
	mu      sync.Mutex
	buckets map[job.ProviderKind]*rate.Limiter
	configs map[job.ProviderKind]ratelimit.BucketConfig
}

// New builds a Limiter from the given bucket configs, falling back to
// ratelimit.DefaultBuckets for any provider not present in configs.
func New(configs map[job.ProviderKind]ratelimit.BucketConfig) *Limiter {
	if configs == nil {
		configs = ratelimit.DefaultBuckets
	}
	l := &Limiter{
		buckets: make(map[job.ProviderKind]*rate.Limiter, len(configs)),
		configs: configs,
	}
	for provider, cfg := range configs {
		l.buckets[provider] = newBucket(cfg)
	}
	return l
}

func newBucket(cfg ratelimit.BucketConfig) *rate.Limiter {
	burst := int(cfg.Capacity)
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RefillRate), burst)
}

func (l *Limiter) TryAcquire(_ context.Context, provider job.ProviderKind, n int) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[provider]
	if !ok {
		cfg, known := ratelimit.DefaultBuckets[provider]
		if !known {
			cfg = ratelimit.BucketConfig{Capacity: 1, RefillRate: 1}
		}
		b = newBucket(cfg)
		l.buckets[provider] = b
	}
	l.mu.Unlock()

	return b.AllowN(time.Now(), n), nil
}

func (l *Limiter) BucketState(_ context.Context, provider job.ProviderKind) (ratelimit.BucketState, error) {
	l.mu.Lock()
	b, ok := l.buckets[provider]
	cfg, cfgOK := l.configs[provider]
	l.mu.Unlock()

	if !ok || !cfgOK {
		cfg, cfgOK = ratelimit.DefaultBuckets[provider]
		if !cfgOK {
			cfg = ratelimit.BucketConfig{Capacity: 1, RefillRate: 1}
		}
		if !ok {
			return ratelimit.BucketState{Available: cfg.Capacity, Capacity: cfg.Capacity, RefillRate: cfg.RefillRate}, nil
		}
	}

	return ratelimit.BucketState{
		Available:  b.TokensAt(time.Now()),
		Capacity:   cfg.Capacity,
		RefillRate: cfg.RefillRate,
	}, nil
}
