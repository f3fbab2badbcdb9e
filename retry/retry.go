// Package retry implements the dispatch engine's retry/DLQ controller
// (spec §4.7): a transient dispatch failure either schedules the job
// for a delayed re-attempt through the scheduler, or, once attempts are
// exhausted, moves it to the dead-letter store.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mailforge/dispatch/audit"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/queuestore"
)

const defaultMaxAttempts = 3
const defaultBaseDelay = 60 * time.Second

// Controller routes a job's retriable failures to either a delayed
// re-park or the dead-letter queue.
type Controller struct {
	store       queuestore.Store
	audit       *audit.Recorder
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	jitter      func() float64
	now         func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts overrides MAX_ATTEMPTS (default 3).
func WithMaxAttempts(n int) Option {
	return func(c *Controller) { c.maxAttempts = n }
}

// WithBaseDelay overrides BASE_RETRY_DELAY_S (default 60s).
func WithBaseDelay(d time.Duration) Option {
	return func(c *Controller) { c.baseDelay = d }
}

// WithLogger overrides the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New builds a Controller backed by store.
func New(store queuestore.Store, opts ...Option) *Controller {
	c := &Controller{
		store:       store,
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		jitter:      rand.Float64,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.audit = audit.New(store, c.logger)
	return c
}

// OnRetriableFailure implements spec §4.7's algorithm: increment
// attempt_count, then either DLQ the job (attempts exhausted) or park
// it for a delayed re-attempt with exponential backoff and jitter. It
// always acks the original entry — the job's next life, if any, is a
// fresh entry on the parked set or the DLQ, never the same entry.
func (c *Controller) OnRetriableFailure(ctx context.Context, j *job.Job, entryID string, priority job.Priority, group, reason string) error {
	j.AttemptCount++

	if j.AttemptCount >= c.maxAttempts {
		return c.toDeadLetter(ctx, j, entryID, priority, group, reason)
	}
	return c.toRetry(ctx, j, entryID, priority, group, reason)
}

func (c *Controller) toDeadLetter(ctx context.Context, j *job.Job, entryID string, priority job.Priority, group, reason string) error {
	entry := &job.DeadLetterEntry{
		JobID:             j.ID,
		Job:               j,
		FailureReason:     reason,
		FinalAttemptCount: j.AttemptCount,
		MovedAt:           c.now().UTC(),
	}
	if err := c.store.PushDLQ(ctx, entry); err != nil {
		return fmt.Errorf("dispatch/retry: push dlq: %w", err)
	}
	if err := c.store.Ack(ctx, priority, group, entryID); err != nil {
		return fmt.Errorf("dispatch/retry: ack exhausted entry: %w", err)
	}
	if err := c.store.IncrFailed(ctx); err != nil {
		c.logger.Warn("incr failed counter", "error", err, "job_id", j.ID.String())
	}

	c.audit.RecordFailedPermanent(ctx, j, reason)

	c.logger.Info("job moved to dead letter queue",
		"job_id", j.ID.String(), "attempt_count", j.AttemptCount, "reason", reason)
	return nil
}

func (c *Controller) toRetry(ctx context.Context, j *job.Job, entryID string, priority job.Priority, group, reason string) error {
	delay := c.backoffDelay(j.AttemptCount)
	scheduledFor := c.now().UTC().Add(delay)
	j.ScheduledFor = &scheduledFor

	if err := c.store.Park(ctx, j); err != nil {
		return fmt.Errorf("dispatch/retry: park for retry: %w", err)
	}
	if err := c.store.Ack(ctx, priority, group, entryID); err != nil {
		return fmt.Errorf("dispatch/retry: ack retried entry: %w", err)
	}

	c.logger.Info("job scheduled for retry",
		"job_id", j.ID.String(), "attempt_count", j.AttemptCount, "delay", delay, "reason", reason)
	return nil
}

// backoffDelay computes BASE_DELAY·2^(attempt_count-1) with ±20% jitter.
func (c *Controller) backoffDelay(attemptCount int) time.Duration {
	base := float64(c.baseDelay) * pow2(attemptCount-1)
	jitterFactor := 1 + (c.jitter()*0.4 - 0.2)
	return time.Duration(base * jitterFactor)
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
