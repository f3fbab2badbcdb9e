package memory_test

import (
	"context"
	"testing"

	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/ratelimit"
	"github.com/mailforge/dispatch/ratelimit/memory"
)

func TestTryAcquireRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	l := memory.New(map[job.ProviderKind]ratelimit.BucketConfig{
		job.ProviderSMTP: {Capacity: 2, RefillRate: 0},
	})

	for i := 0; i < 2; i++ {
		ok, err := l.TryAcquire(ctx, job.ProviderSMTP, 1)
		if err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
		if !ok {
			t.Fatalf("expected acquisition %d to succeed", i)
		}
	}

	ok, err := l.TryAcquire(ctx, job.ProviderSMTP, 1)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Error("expected third acquisition to fail with a zero-refill, exhausted bucket")
	}
}

func TestTryAcquireUnknownProviderFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	l := memory.New(nil)

	ok, err := l.TryAcquire(ctx, job.ProviderAWSSES, 1)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !ok {
		t.Error("expected default AWS_SES bucket to allow the first acquisition")
	}
}
