// Package dispatch is a transactional email dispatch engine: a durable,
// priority-partitioned queue, a pool of concurrent workers that render and
// send email through pluggable provider drivers, and the retry/dead-letter/
// audit machinery that makes delivery at-least-once.
//
// Calling services submit send requests through the ingress package; the
// enqueue package validates and persists them via a queuestore.Store backed
// by Redis Streams in production or an in-memory fake in tests. A pool of
// workers (package worker) consumes the priority streams under a
// ratelimit.Limiter gate, dispatches through a provider.Driver, and routes
// failures through the retry package, which either reschedules the job or
// moves it to the dead-letter queue.
//
// # Architecture
//
//	ingress → enqueue.Enqueuer → queuestore.Store → worker.Pool →
//	    ratelimit.Limiter (gate) → provider.Driver →
//	    (ok: ack) | (transient: retry.Controller) | (permanent: DLQ)
//
// The scheduler package promotes future-dated jobs from the parked set back
// onto their ready stream; the supervisor package starts, restarts, and
// drains the worker pool; the stats package exposes a read-only snapshot of
// queue depths, counters, and worker liveness.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers (package id).
package dispatch
