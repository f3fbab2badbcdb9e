// Package memory is an in-process implementation of cluster.Store, safe
// for concurrent use. It exists for tests and single-instance
// deployments where no external coordinator is available; package
// cluster/k8s is the production backend for a Kubernetes deployment.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mailforge/dispatch/cluster"
	"github.com/mailforge/dispatch/id"
)

var _ cluster.Store = (*Store)(nil)

// Store tracks cluster workers and leadership in process memory. A
// single dispatch process using this store is trivially its own leader.
type Store struct {
	mu sync.Mutex

	workers map[id.WorkerID]*cluster.Worker

	leader      id.WorkerID
	leaderUntil time.Time
	hasLeader   bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{workers: make(map[id.WorkerID]*cluster.Worker)}
}

// RegisterWorker implements cluster.Store.
func (s *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	cp.LastSeen = time.Now().UTC()
	s.workers[w.ID] = &cp
	return nil
}

// DeregisterWorker implements cluster.Store.
func (s *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	return nil
}

// HeartbeatWorker implements cluster.Store.
func (s *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		w.LastSeen = time.Now().UTC()
	}
	return nil
}

// ListWorkers implements cluster.Store.
func (s *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*cluster.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

// ReapDeadWorkers implements cluster.Store.
func (s *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Worker
	for id, w := range s.workers {
		if w.LastSeen.Before(cutoff) {
			cp := *w
			dead = append(dead, &cp)
			delete(s.workers, id)
		}
	}
	return dead, nil
}

// AcquireLeadership implements cluster.Store.
func (s *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if s.hasLeader && s.leader != workerID && s.leaderUntil.After(now) {
		return false, nil
	}
	s.leader = workerID
	s.leaderUntil = now.Add(ttl)
	s.hasLeader = true
	return true, nil
}

// RenewLeadership implements cluster.Store.
func (s *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLeader || s.leader != workerID {
		return false, nil
	}
	s.leaderUntil = time.Now().UTC().Add(ttl)
	return true, nil
}

// GetLeader implements cluster.Store.
func (s *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLeader || s.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}
	leaderUntil := s.leaderUntil
	w, ok := s.workers[s.leader]
	if !ok {
		return &cluster.Worker{ID: s.leader, IsLeader: true, LeaderUntil: &leaderUntil}, nil
	}
	cp := *w
	cp.IsLeader = true
	cp.LeaderUntil = &leaderUntil
	return &cp, nil
}
