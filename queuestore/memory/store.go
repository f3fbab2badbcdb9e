// Package memory is an in-process implementation of queuestore.Store,
// safe for concurrent use. It exists for tests and local development;
// package queuestore/redis is the production backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/queuestore"
)

var _ queuestore.Store = (*Store)(nil)

type streamEntry struct {
	id            string
	job           *job.Job
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
	acked         bool
}

type parkedEntry struct {
	job *job.Job
}

// Store is a fully in-memory implementation of queuestore.Store.
type Store struct {
	mu sync.Mutex

	seq      int64
	streams  map[job.Priority][]*streamEntry
	parked   []parkedEntry
	dlq      []*job.DeadLetterEntry
	audits   map[string]*job.AuditRecord
	serviceN map[string]map[string]int // service -> endpoint -> count
	hb       map[string]time.Time

	sentTotal, failedTotal   int64
	sentByDay, failedByDay    map[string]int64
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		streams:      make(map[job.Priority][]*streamEntry),
		audits:       make(map[string]*job.AuditRecord),
		serviceN:     make(map[string]map[string]int),
		hb:           make(map[string]time.Time),
		sentByDay:    make(map[string]int64),
		failedByDay:  make(map[string]int64),
	}
}

func (m *Store) nextEntryID() string {
	m.seq++
	return fmt.Sprintf("%d-%d", time.Now().UTC().UnixMilli(), m.seq)
}

func (m *Store) Append(_ context.Context, priority job.Priority, j *job.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eid := m.nextEntryID()
	cp := *j
	m.streams[priority] = append(m.streams[priority], &streamEntry{id: eid, job: &cp})
	return eid, nil
}

// ReadGroup scans priorities in order, returning up to max entries that
// have never been delivered. Delivered entries are marked with consumer
// and a deliveredAt stamp so Pending/Claim can find them; block is
// ignored since the in-memory store never actually waits.
func (m *Store) ReadGroup(_ context.Context, _, consumer string, priorities []job.Priority, max int, _ time.Duration) ([]queuestore.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []queuestore.Entry
	for _, p := range priorities {
		for _, e := range m.streams[p] {
			if e.acked || !e.deliveredAt.IsZero() {
				continue
			}
			e.consumer = consumer
			e.deliveredAt = time.Now().UTC()
			e.deliveryCount++
			cp := *e.job
			out = append(out, queuestore.Entry{EntryID: e.id, Priority: p, Job: &cp})
			if len(out) >= max {
				return out, nil
			}
		}
	}
	return out, nil
}

func (m *Store) Ack(_ context.Context, priority job.Priority, _, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.streams[priority] {
		if e.id == entryID {
			e.acked = true
			return nil
		}
	}
	return nil
}

func (m *Store) Pending(_ context.Context, priority job.Priority, _ string) ([]queuestore.PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []queuestore.PendingEntry
	for _, e := range m.streams[priority] {
		if e.acked || e.deliveredAt.IsZero() {
			continue
		}
		out = append(out, queuestore.PendingEntry{
			EntryID:       e.id,
			Consumer:      e.consumer,
			Idle:          now.Sub(e.deliveredAt),
			DeliveryCount: e.deliveryCount,
		})
	}
	return out, nil
}

func (m *Store) Claim(_ context.Context, priority job.Priority, _, consumer string, entryIDs []string) ([]queuestore.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]struct{}, len(entryIDs))
	for _, id := range entryIDs {
		want[id] = struct{}{}
	}

	var out []queuestore.Entry
	for _, e := range m.streams[priority] {
		if _, ok := want[e.id]; !ok || e.acked {
			continue
		}
		e.consumer = consumer
		e.deliveredAt = time.Now().UTC()
		e.deliveryCount++
		cp := *e.job
		out = append(out, queuestore.Entry{EntryID: e.id, Priority: priority, Job: &cp})
	}
	return out, nil
}

func (m *Store) Park(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *j
	m.parked = append(m.parked, parkedEntry{job: &cp})
	return nil
}

func (m *Store) PromoteDue(_ context.Context, now time.Time) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var promoted []*job.Job
	var remaining []parkedEntry
	for _, pe := range m.parked {
		if pe.job.ScheduledFor != nil && !pe.job.ScheduledFor.After(now) {
			eid := m.nextEntryID()
			cp := *pe.job
			m.streams[pe.job.Priority] = append(m.streams[pe.job.Priority], &streamEntry{id: eid, job: &cp})
			promoted = append(promoted, &cp)
			continue
		}
		remaining = append(remaining, pe)
	}
	m.parked = remaining
	return promoted, nil
}

func (m *Store) ParkedLen(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.parked)), nil
}

func (m *Store) StreamLen(_ context.Context, priority job.Priority) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.streams[priority] {
		if !e.acked {
			n++
		}
	}
	return n, nil
}

func (m *Store) PushDLQ(_ context.Context, entry *job.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlq = append(m.dlq, &cp)
	return nil
}

func (m *Store) ListDLQ(_ context.Context) ([]*job.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*job.DeadLetterEntry, len(m.dlq))
	copy(out, m.dlq)
	sort.Slice(out, func(i, j int) bool { return out[i].MovedAt.Before(out[j].MovedAt) })
	return out, nil
}

func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.dlq)), nil
}

func (m *Store) IncrSent(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentTotal++
	m.sentByDay[dayKey(time.Now().UTC())]++
	return nil
}

func (m *Store) IncrFailed(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedTotal++
	m.failedByDay[dayKey(time.Now().UTC())]++
	return nil
}

func (m *Store) GetCounters(_ context.Context) (queuestore.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := dayKey(time.Now().UTC())
	return queuestore.Counters{
		SentTotal:   m.sentTotal,
		FailedTotal: m.failedTotal,
		SentToday:   m.sentByDay[today],
		FailedToday: m.failedByDay[today],
	}, nil
}

func (m *Store) WriteAudit(_ context.Context, rec *job.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.audits[rec.JobID.String()] = &cp
	return nil
}

func (m *Store) GetAudit(_ context.Context, jobID id.JobID) (*job.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.audits[jobID.String()]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *Store) IncrServiceCounters(_ context.Context, service, endpoint string, emailCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byEndpoint, ok := m.serviceN[service]
	if !ok {
		byEndpoint = make(map[string]int)
		m.serviceN[service] = byEndpoint
	}
	byEndpoint[endpoint] += emailCount
	byEndpoint[""] += 1 // total_calls tracked under the empty endpoint key
	return nil
}

func (m *Store) GetServiceCounters(_ context.Context) (map[string]queuestore.ServiceCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]queuestore.ServiceCounters, len(m.serviceN))
	for service, byEndpoint := range m.serviceN {
		sc := queuestore.ServiceCounters{Endpoints: make(map[string]int64)}
		for endpoint, n := range byEndpoint {
			if endpoint == "" {
				sc.TotalCalls = int64(n)
				continue
			}
			sc.Endpoints[endpoint] = int64(n)
			sc.TotalEmails += int64(n)
		}
		out[service] = sc
	}
	return out, nil
}

func (m *Store) Heartbeat(_ context.Context, workerID id.WorkerID, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hb[workerID.String()] = time.Now().UTC().Add(ttl)
	return nil
}

func (m *Store) FreshHeartbeats(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []string
	for worker, expiry := range m.hb {
		if expiry.After(now) {
			out = append(out, worker)
		}
	}
	return out, nil
}

func (m *Store) Ping(_ context.Context) error { return nil }

func (m *Store) Close(_ context.Context) error { return nil }

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
