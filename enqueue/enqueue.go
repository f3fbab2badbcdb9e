// Package enqueue implements the C4 Enqueuer: validating a send request,
// stamping it, and writing it into the queue store either as a ready
// entry or a parked one (spec §4.3).
package enqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailforge/dispatch/audit"
	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/queuestore"
)

// Enqueuer accepts validated send requests and persists them.
type Enqueuer struct {
	store  queuestore.Store
	audit  *audit.Recorder
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Enqueuer.
type Option func(*Enqueuer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enqueuer) { e.logger = l }
}

// New builds an Enqueuer backed by store.
func New(store queuestore.Store, opts ...Option) *Enqueuer {
	e := &Enqueuer{store: store, logger: slog.Default(), now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(e)
	}
	e.audit = audit.New(store, e.logger)
	return e
}

// Result is what Enqueue reports back to the caller (spec §6.1's
// job_id/status/queue_position response shape).
type Result struct {
	JobID         id.JobID
	Status        string
	QueuePosition int64
}

// Request is a validated send request awaiting persistence.
type Request struct {
	Recipients      []string
	TemplateName    string
	TemplateContext map[string]any
	Subject         string
	Priority        job.Priority
	Provider        job.ProviderKind
	ScheduledFor    *time.Time
	SubmittedBy     string
	Endpoint        string
}

// Enqueue implements spec §4.3's algorithm: build and validate the job,
// park or append it, write the queued audit record, and bump the
// submitting service's counters. Each write is a separate queue-store
// call; the sequence is not one atomic transaction. A failed park or
// append returns an error before anything else is written; after that,
// an audit or counter write failure is only logged, so the job can be
// queued without its audit record or counter update.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (Result, error) {
	j, err := job.New(
		req.Recipients,
		req.TemplateName,
		req.TemplateContext,
		req.Subject,
		req.Priority,
		req.Provider,
		req.ScheduledFor,
		req.SubmittedBy,
		req.Endpoint,
	)
	if err != nil {
		return Result{}, err
	}
	j.SubmittedAt = e.now()

	var status string
	var queuePosition int64
	if j.IsParked(e.now()) {
		if err := e.store.Park(ctx, j); err != nil {
			return Result{}, fmt.Errorf("enqueue: park %s: %w", j.ID, err)
		}
		status = "parked"
		queuePosition, err = e.store.ParkedLen(ctx)
		if err != nil {
			e.logger.Warn("parked len failed", "job_id", j.ID.String(), "error", err.Error())
		}
	} else {
		if _, err := e.store.Append(ctx, j.Priority, j); err != nil {
			return Result{}, fmt.Errorf("enqueue: append %s: %w", j.ID, err)
		}
		status = "queued"
		queuePosition, err = e.store.StreamLen(ctx, j.Priority)
		if err != nil {
			e.logger.Warn("stream len failed", "job_id", j.ID.String(), "error", err.Error())
		}
	}

	e.audit.RecordQueued(ctx, j)

	if err := e.store.IncrServiceCounters(ctx, j.SubmittedBy, j.Endpoint, len(j.Recipients)); err != nil {
		e.logger.Warn("incr service counters failed", "job_id", j.ID.String(), "error", err.Error())
	}

	e.logger.Info("enqueued job", "job_id", j.ID, "priority", j.Priority, "provider", j.Provider, "parked", j.IsParked(e.now()))
	return Result{JobID: j.ID, Status: status, QueuePosition: queuePosition}, nil
}
