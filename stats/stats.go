// Package stats implements the C9 read-only aggregator: queue depths,
// rolling counters, and worker liveness, plus the exported Prometheus
// collectors (spec §4.9, §6.1).
package stats

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/queuestore"
	"github.com/mailforge/dispatch/ratelimit"
)

// Prometheus collectors registered once at process start. Snapshot sets
// the gauges; nothing in this module increments EmailsSent, EmailsFailed
// or EmailsRetried, so those counters stay at zero. The sent and failed
// totals the worker pool does keep are the queue store's counters
// (IncrSent, IncrFailed), reported through Snapshot.
var (
	EmailsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_emails_sent_total",
		Help: "Total emails accepted by a provider driver.",
	})

	EmailsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_emails_failed_total",
		Help: "Total emails moved to the dead-letter queue.",
	})

	EmailsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_emails_retried_total",
		Help: "Total transient-failure retries scheduled.",
	})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Number of ready entries per priority stream.",
	}, []string{"priority"})

	DLQDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_dlq_depth",
		Help: "Number of entries in the dead-letter queue.",
	})

	ParkedDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_parked_depth",
		Help: "Number of jobs parked awaiting their scheduled time.",
	})

	WorkersAlive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_workers_alive",
		Help: "Number of workers with a fresh heartbeat.",
	})
)

// Init registers every collector with the default Prometheus registry.
// Safe to call once at process start; a second call panics, matching
// prometheus.MustRegister's own contract.
func Init() {
	prometheus.MustRegister(EmailsSent, EmailsFailed, EmailsRetried, QueueDepth, DLQDepth, ParkedDepth, WorkersAlive)
}

// QueueDepths reports the ready-stream length for each priority.
type QueueDepths struct {
	High   int64 `json:"high"`
	Medium int64 `json:"medium"`
	Low    int64 `json:"low"`
}

// Snapshot is the read-only view returned by GET /stats (spec §4.9).
type Snapshot struct {
	Queues         QueueDepths                             `json:"queues"`
	ParkedCount    int64                                   `json:"parked_count"`
	DLQCount       int64                                   `json:"dlq_count"`
	Counters       queuestore.Counters                     `json:"counters"`
	Services       map[string]queuestore.ServiceCounters   `json:"services"`
	ProviderBuckets map[job.ProviderKind]ratelimit.BucketState `json:"provider_buckets"`
	WorkersAlive   int                                     `json:"workers_alive"`
	CollectedAt    time.Time                               `json:"collected_at"`
}

// Health is the read-only view returned by GET /health (spec §6.1).
type Health struct {
	Healthy             bool `json:"healthy"`
	QueueStoreConnected bool `json:"queue_store_connected"`
	WorkersAlive        int  `json:"workers_alive"`
}

// Aggregator computes Snapshot and Health from the queue store, without
// mutating anything (spec §4.9's "Read-only" contract).
type Aggregator struct {
	store   queuestore.Store
	limiter ratelimit.Limiter
	now     func() time.Time
}

// New builds an Aggregator backed by store. limiter may be nil, in which
// case Snapshot omits provider bucket state (e.g. in tests that only
// exercise the queue store).
func New(store queuestore.Store, limiter ratelimit.Limiter) *Aggregator {
	return &Aggregator{store: store, limiter: limiter, now: func() time.Time { return time.Now().UTC() }}
}

// Snapshot gathers queue depths, DLQ/parked cardinality, rolling
// counters, and worker liveness in one read-only pass.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	var depths QueueDepths
	for _, p := range job.Priorities {
		n, err := a.store.StreamLen(ctx, p)
		if err != nil {
			return Snapshot{}, err
		}
		switch p {
		case job.PriorityHigh:
			depths.High = n
		case job.PriorityMedium:
			depths.Medium = n
		case job.PriorityLow:
			depths.Low = n
		}
		QueueDepth.WithLabelValues(string(p)).Set(float64(n))
	}

	dlqCount, err := a.store.CountDLQ(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	DLQDepth.Set(float64(dlqCount))

	parkedCount, err := a.store.ParkedLen(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	ParkedDepth.Set(float64(parkedCount))

	counters, err := a.store.GetCounters(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	services, err := a.store.GetServiceCounters(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	heartbeats, err := a.store.FreshHeartbeats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	WorkersAlive.Set(float64(len(heartbeats)))

	var buckets map[job.ProviderKind]ratelimit.BucketState
	if a.limiter != nil {
		buckets = make(map[job.ProviderKind]ratelimit.BucketState, len(job.Providers))
		for _, provider := range job.Providers {
			state, err := a.limiter.BucketState(ctx, provider)
			if err != nil {
				return Snapshot{}, err
			}
			buckets[provider] = state
		}
	}

	return Snapshot{
		Queues:          depths,
		ParkedCount:     parkedCount,
		DLQCount:        dlqCount,
		Counters:        counters,
		Services:        services,
		ProviderBuckets: buckets,
		WorkersAlive:    len(heartbeats),
		CollectedAt:     a.now(),
	}, nil
}

// Health reports "healthy" iff the queue store is reachable and at
// least one worker heartbeat is fresh (spec §4.9).
func (a *Aggregator) Health(ctx context.Context) Health {
	connected := a.store.Ping(ctx) == nil

	var alive int
	if connected {
		if heartbeats, err := a.store.FreshHeartbeats(ctx); err == nil {
			alive = len(heartbeats)
		}
	}

	return Health{
		Healthy:             connected && alive > 0,
		QueueStoreConnected: connected,
		WorkersAlive:        alive,
	}
}
