// Package queuestore defines the C1 queue store contract (spec §4.1): three
// priority-partitioned append-only logs with consumer-group semantics, a
// parked sorted set for future-dated jobs, a dead-letter map, audit
// records, per-service counters, and worker heartbeats.
//
// Two implementations exist: queuestore/memory, an in-process fake for
// tests, and queuestore/redis, the production backend wrapping Redis
// Streams, sorted sets, and a Lua script for the atomic rate-limiter
// (package ratelimit shares the same Redis connection but implements its
// own contract — see that package).
package queuestore

import (
	"context"
	"time"

	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/job"
)

// Entry is one item read from a priority stream: the opaque stream entry
// ID (used for Ack/Claim) and the deserialized job.
type Entry struct {
	EntryID  string
	Priority job.Priority
	Job      *job.Job
}

// PendingEntry describes one unacknowledged delivery (spec §4.1 pending).
type PendingEntry struct {
	EntryID       string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Counters is a snapshot of the global sent/failed counters (spec §4.9).
type Counters struct {
	SentTotal   int64
	FailedTotal int64
	SentToday   int64
	FailedToday int64
}

// ServiceCounters is a snapshot of one service's aggregate usage, built
// from IncrServiceCounters calls (spec §4.9's "per-service aggregates").
type ServiceCounters struct {
	TotalCalls  int64            `json:"total_calls"`
	TotalEmails int64            `json:"total_emails"`
	Endpoints   map[string]int64 `json:"endpoints"`
}

// Store is the C1 queue store contract.
type Store interface {
	// Append durably adds a serialized job to the ready stream for
	// priority, in total order. Returns the new entry's opaque ID.
	Append(ctx context.Context, priority job.Priority, j *job.Job) (string, error)

	// ReadGroup polls priorities in the order given (spec §4.5 step 1:
	// strict HIGH-before-MEDIUM-before-LOW) for up to max new entries not
	// yet delivered to any consumer in group, blocking up to block before
	// returning empty.
	ReadGroup(ctx context.Context, group, consumer string, priorities []job.Priority, max int, block time.Duration) ([]Entry, error)

	// Ack removes entryID from the pending-of-consumer set for priority.
	Ack(ctx context.Context, priority job.Priority, group, entryID string) error

	// Pending lists entries delivered to group but not yet acknowledged.
	Pending(ctx context.Context, priority job.Priority, group string) ([]PendingEntry, error)

	// Claim reassigns ownership of entryIDs (which must be idle longer than
	// the caller's pending timeout) to consumer, returning their jobs.
	Claim(ctx context.Context, priority job.Priority, group, consumer string, entryIDs []string) ([]Entry, error)

	// Park stores j in the parked sorted set, scored by ScheduledFor
	// (spec §4.3 step 2). j.ScheduledFor must be non-nil.
	Park(ctx context.Context, j *job.Job) error

	// PromoteDue removes every parked job whose ScheduledFor is <= now
	// from the parked set and appends it to its ready stream, returning
	// the promoted jobs (spec §4.4). The memory backend does this under
	// one lock. The Redis backend appends and then removes each job as
	// separate commands, so the move is not atomic there: if the second
	// command fails the job stays parked as well as appended.
	PromoteDue(ctx context.Context, now time.Time) ([]*job.Job, error)

	// ParkedLen returns the cardinality of the parked set.
	ParkedLen(ctx context.Context) (int64, error)

	// StreamLen returns the length of priority's stream. The memory
	// backend counts entries not yet acknowledged (including ones
	// delivered to a consumer); the Redis backend returns XLEN, which also
	// counts acknowledged entries still held in the stream.
	StreamLen(ctx context.Context, priority job.Priority) (int64, error)

	// PushDLQ records a terminal failure (spec §4.7 step 2).
	PushDLQ(ctx context.Context, entry *job.DeadLetterEntry) error

	// ListDLQ returns all dead-letter entries.
	ListDLQ(ctx context.Context) ([]*job.DeadLetterEntry, error)

	// CountDLQ returns the number of dead-letter entries.
	CountDLQ(ctx context.Context) (int64, error)

	// IncrSent increments the global and daily sent counters.
	IncrSent(ctx context.Context) error

	// IncrFailed increments the global and daily failed counters.
	IncrFailed(ctx context.Context) error

	// GetCounters returns a snapshot of the global counters (spec §4.9).
	GetCounters(ctx context.Context) (Counters, error)

	// WriteAudit persists rec, overwriting any prior record for the same
	// JobID (spec §4.8). Best-effort: callers must not fail the primary
	// operation when this returns an error.
	WriteAudit(ctx context.Context, rec *job.AuditRecord) error

	// GetAudit retrieves the audit record for jobID, if any.
	GetAudit(ctx context.Context, jobID id.JobID) (*job.AuditRecord, error)

	// IncrServiceCounters updates per-service aggregates at enqueue time
	// (spec §4.3 step 5): total_calls, total_emails, and per-endpoint
	// counts for service.
	IncrServiceCounters(ctx context.Context, service, endpoint string, emailCount int) error

	// GetServiceCounters returns the current aggregates for every service
	// that has ever called IncrServiceCounters, keyed by service name
	// (spec §4.9's per-service aggregates).
	GetServiceCounters(ctx context.Context) (map[string]ServiceCounters, error)

	// Heartbeat records that workerID is alive, expiring after ttl
	// (spec §6.4 worker:heartbeat:{worker_id}).
	Heartbeat(ctx context.Context, workerID id.WorkerID, ttl time.Duration) error

	// FreshHeartbeats returns the set of worker IDs with a live heartbeat.
	FreshHeartbeats(ctx context.Context) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources the store owns.
	Close(ctx context.Context) error
}
