// Package scheduler implements the C5 Scheduler: a singleton-live
// promoter that moves parked jobs whose scheduled_for has arrived onto
// their ready streams (spec §4.4). Leadership is elected through
// cluster.Store so only one process promotes at a time; without a leader,
// parked jobs are correctly not promoted (spec §4.4).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mailforge/dispatch/cluster"
	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/queuestore"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the parked set is polled (spec §4.4
// default 1s).
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLeaderTTL sets the leadership lease duration.
func WithLeaderTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.leaderTTL = d }
}

// Scheduler promotes due parked jobs while it holds cluster leadership.
type Scheduler struct {
	store        queuestore.Store
	clusterStore cluster.Store
	workerID     id.WorkerID
	logger       *slog.Logger

	tickInterval time.Duration
	leaderTTL    time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler identified as workerID for leader election.
func New(store queuestore.Store, clusterStore cluster.Store, workerID id.WorkerID, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		clusterStore: clusterStore,
		workerID:     workerID,
		logger:       slog.Default(),
		tickInterval: time.Second,
		leaderTTL:    15 * time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the leader-election and tick goroutines.
func (s *Scheduler) Start(_ context.Context) {
	s.wg.Add(2)
	go s.leaderLoop()
	go s.tickLoop()
	s.logger.Info("scheduler started", "worker_id", s.workerID, "tick_interval", s.tickInterval)
}

// Stop signals both goroutines to exit and waits for them.
func (s *Scheduler) Stop(_ context.Context) {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) leaderLoop() {
	defer s.wg.Done()

	renewInterval := s.leaderTTL / 2
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	s.tryLeadership()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLeadership()
		}
	}
}

func (s *Scheduler) tryLeadership() {
	ctx := context.Background()

	renewed, err := s.clusterStore.RenewLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("scheduler leadership renew error", "error", err)
		return
	}
	if renewed {
		return
	}

	acquired, err := s.clusterStore.AcquireLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("scheduler leadership acquire error", "error", err)
		return
	}
	if acquired {
		s.logger.Info("acquired scheduler leadership", "worker_id", s.workerID)
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	leader, err := s.clusterStore.GetLeader(ctx)
	if err != nil {
		s.logger.Warn("scheduler get leader error", "error", err)
		return
	}
	if leader == nil || leader.ID.String() != s.workerID.String() {
		return
	}

	promoted, err := s.store.PromoteDue(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scheduler promote due error", "error", err)
		return
	}
	if len(promoted) > 0 {
		s.logger.Info("promoted parked jobs", "count", len(promoted))
	}
}
