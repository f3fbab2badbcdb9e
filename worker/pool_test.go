package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/provider"
	"github.com/mailforge/dispatch/queuestore/memory"
	"github.com/mailforge/dispatch/ratelimit"
	"github.com/mailforge/dispatch/renderer"
	"github.com/mailforge/dispatch/retry"
	"github.com/mailforge/dispatch/worker"
)

type stubDriver struct {
	outcome provider.Outcome
	reason  string
	calls   int
}

func (s *stubDriver) Send(context.Context, string, []string, provider.Rendered) (provider.Outcome, string, error) {
	s.calls++
	return s.outcome, s.reason, nil
}

// alwaysAllow is a ratelimit.Limiter that never blocks, so pool tests
// exercise dispatch logic without waiting on real token refill.
type alwaysAllow struct{}

func (alwaysAllow) TryAcquire(context.Context, job.ProviderKind, int) (bool, error) { return true, nil }

func (alwaysAllow) BucketState(context.Context, job.ProviderKind) (ratelimit.BucketState, error) {
	return ratelimit.BucketState{}, nil
}

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.New([]string{"a@example.com"}, "welcome", nil, "", job.PriorityHigh, job.ProviderSMTP, nil, "svc", "/send")
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	return j
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolSendsSuccessfulJobAndIncrementsCounters(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	j := newTestJob(t)
	if _, err := store.Append(ctx, j.Priority, j); err != nil {
		t.Fatalf("Append: %v", err)
	}

	driver := &stubDriver{outcome: provider.Ok}
	pool := worker.New(
		store, alwaysAllow{}, renderer.New(),
		map[job.ProviderKind]provider.Driver{job.ProviderSMTP: driver},
		retry.New(store), nil, id.NewWorkerID(),
		worker.WithConcurrency(1),
	)
	pool.Start(ctx)
	defer pool.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		counters, err := store.GetCounters(ctx)
		return err == nil && counters.SentTotal == 1
	})

	if driver.calls != 1 {
		t.Fatalf("driver called %d times, want 1", driver.calls)
	}

	rec, err := store.GetAudit(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetAudit: %v", err)
	}
	if rec.FinalStatus != job.StatusSent {
		t.Fatalf("got final_status %q, want sent", rec.FinalStatus)
	}
}

func TestPoolMovesPermanentFailureToDLQ(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	j := newTestJob(t)
	if _, err := store.Append(ctx, j.Priority, j); err != nil {
		t.Fatalf("Append: %v", err)
	}

	driver := &stubDriver{outcome: provider.Permanent, reason: "550 no such user"}
	pool := worker.New(
		store, alwaysAllow{}, renderer.New(),
		map[job.ProviderKind]provider.Driver{job.ProviderSMTP: driver},
		retry.New(store), nil, id.NewWorkerID(),
		worker.WithConcurrency(1),
	)
	pool.Start(ctx)
	defer pool.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		n, err := store.CountDLQ(ctx)
		return err == nil && n == 1
	})

	rec, err := store.GetAudit(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetAudit: %v", err)
	}
	if rec.FinalStatus != job.StatusFailedPermanent {
		t.Fatalf("got final_status %q, want failed_permanent", rec.FinalStatus)
	}
}

func TestPoolRoutesTransientFailureThroughRetry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	j := newTestJob(t)
	if _, err := store.Append(ctx, j.Priority, j); err != nil {
		t.Fatalf("Append: %v", err)
	}

	driver := &stubDriver{outcome: provider.Transient, reason: "connection refused"}
	pool := worker.New(
		store, alwaysAllow{}, renderer.New(),
		map[job.ProviderKind]provider.Driver{job.ProviderSMTP: driver},
		retry.New(store, retry.WithBaseDelay(time.Millisecond)), nil, id.NewWorkerID(),
		worker.WithConcurrency(1),
	)
	pool.Start(ctx)
	defer pool.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		n, err := store.ParkedLen(ctx)
		return err == nil && n == 1
	})
}

func TestPoolRetriesUnclassifiedFailureOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	j := newTestJob(t)
	if _, err := store.Append(ctx, j.Priority, j); err != nil {
		t.Fatalf("Append: %v", err)
	}

	driver := &stubDriver{outcome: provider.Unclassified, reason: "421 try again later"}
	pool := worker.New(
		store, alwaysAllow{}, renderer.New(),
		map[job.ProviderKind]provider.Driver{job.ProviderSMTP: driver},
		retry.New(store, retry.WithBaseDelay(time.Millisecond)), nil, id.NewWorkerID(),
		worker.WithConcurrency(1),
	)
	pool.Start(ctx)
	defer pool.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		n, err := store.ParkedLen(ctx)
		return err == nil && n == 1
	})
}

func TestPoolFailsUnclassifiedErrorPermanentlyAfterFirstAttempt(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	j := newTestJob(t)
	j.AttemptCount = 1 // already retried once
	if _, err := store.Append(ctx, j.Priority, j); err != nil {
		t.Fatalf("Append: %v", err)
	}

	driver := &stubDriver{outcome: provider.Unclassified, reason: "421 try again later"}
	pool := worker.New(
		store, alwaysAllow{}, renderer.New(),
		map[job.ProviderKind]provider.Driver{job.ProviderSMTP: driver},
		retry.New(store), nil, id.NewWorkerID(),
		worker.WithConcurrency(1),
	)
	pool.Start(ctx)
	defer pool.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		n, err := store.CountDLQ(ctx)
		return err == nil && n == 1
	})

	rec, err := store.GetAudit(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetAudit: %v", err)
	}
	if rec.FinalStatus != job.StatusFailedPermanent {
		t.Fatalf("got final_status %q, want failed_permanent", rec.FinalStatus)
	}
}

func TestPoolDiscardsMalformedJob(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	j := newTestJob(t)
	j.Recipients = nil // malformed after the fact, bypassing New's validation
	if _, err := store.Append(ctx, j.Priority, j); err != nil {
		t.Fatalf("Append: %v", err)
	}

	driver := &stubDriver{outcome: provider.Ok}
	pool := worker.New(
		store, alwaysAllow{}, renderer.New(),
		map[job.ProviderKind]provider.Driver{job.ProviderSMTP: driver},
		retry.New(store), nil, id.NewWorkerID(),
		worker.WithConcurrency(1),
	)
	pool.Start(ctx)
	defer pool.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		rec, err := store.GetAudit(ctx, j.ID)
		return err == nil && rec.FinalStatus == job.StatusMalformed
	})

	if driver.calls != 0 {
		t.Fatalf("driver should not be called for a malformed job, got %d calls", driver.calls)
	}
}
