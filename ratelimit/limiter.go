// Package ratelimit defines the C2 per-provider token bucket contract
// (spec §4.2): one bucket per job.ProviderKind, checked and consumed
// atomically so concurrent workers never overspend it.
package ratelimit

import (
	"context"

	"github.com/mailforge/dispatch/job"
)

// Limiter is the C2 rate limiter contract.
type Limiter interface {
	// TryAcquire atomically refills the bucket for provider to the
	// current time, then consumes n tokens if available. It reports
	// whether the acquisition succeeded; it never blocks.
	TryAcquire(ctx context.Context, provider job.ProviderKind, n int) (bool, error)

	// BucketState reports the current token count and capacity for
	// provider's bucket, without consuming anything. Surfaced through
	// GET /stats (spec §4.9's "provider bucket state").
	BucketState(ctx context.Context, provider job.ProviderKind) (BucketState, error)
}

// BucketState is a read-only view of one provider's token bucket.
type BucketState struct {
	Available  float64 `json:"available"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

// BucketConfig is the tunable capacity/refill pair for one provider
// (spec §4.2 defaults).
type BucketConfig struct {
	Capacity   float64
	RefillRate float64 // tokens per second
}

// DefaultBuckets are the spec §4.2 tunable defaults, keyed by provider.
var DefaultBuckets = map[job.ProviderKind]BucketConfig{
	job.ProviderSMTP:     {Capacity: 100, RefillRate: 10},
	job.ProviderSendgrid: {Capacity: 600, RefillRate: 100},
	job.ProviderMailgun:  {Capacity: 300, RefillRate: 50},
	job.ProviderAWSSES:   {Capacity: 200, RefillRate: 14},
}
