// Package supervisor implements the C10 worker supervisor (spec §4.6):
// it starts N workers at boot, restarts one with exponential backoff if
// its factory returns an error or its factory or startup panics, and drains every worker cooperatively
// on shutdown within a bounded timeout.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mailforge/dispatch/id"
)

// Worker is the lifecycle contract a supervised unit must satisfy.
// worker.Pool implements it directly.
type Worker interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

// Factory builds one supervised Worker, identified by workerID.
type Factory func(ctx context.Context, workerID id.WorkerID) (Worker, error)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithDrainTimeout bounds how long Stop waits for workers to finish
// in-flight work before abandoning them (spec §4.6 default 30s).
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.drainTimeout = d }
}

// WithLogger overrides the supervisor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// Supervisor starts count workers built by factory, restarting any whose
// construction fails or panics, or whose startup panics, with exponential
// backoff (1s, 2s, 4s, ... capped at 30s).
type Supervisor struct {
	factory      Factory
	count        int
	drainTimeout time.Duration
	restartInit  time.Duration
	restartMax   time.Duration
	logger       *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[id.ID]Worker
}

// WithRestartBackoff overrides the initial and max restart delay
// (spec §4.6 default 1s initial, 30s max).
func WithRestartBackoff(initial, max time.Duration) Option {
	return func(s *Supervisor) { s.restartInit = initial; s.restartMax = max }
}

// New builds a Supervisor that maintains count concurrently supervised
// workers, each built by factory.
func New(factory Factory, count int, opts ...Option) *Supervisor {
	s := &Supervisor{
		factory:      factory,
		count:        count,
		drainTimeout: 30 * time.Second,
		restartInit:  1 * time.Second,
		restartMax:   30 * time.Second,
		logger:       slog.Default(),
		stopCh:       make(chan struct{}),
		workers:      make(map[id.ID]Worker),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches count supervision goroutines, each owning one worker
// slot for the supervisor's lifetime.
func (s *Supervisor) Start(ctx context.Context) {
	s.logger.Info("supervisor starting", "worker_count", s.count)
	for i := 0; i < s.count; i++ {
		s.wg.Add(1)
		go s.supervise(ctx)
	}
}

// Stop signals every supervision loop to stop restarting, drains all
// live workers within drainTimeout, and waits for supervision goroutines
// to exit.
func (s *Supervisor) Stop(ctx context.Context) {
	s.logger.Info("supervisor draining", "drain_timeout", s.drainTimeout)
	close(s.stopCh)

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	s.mu.Lock()
	workers := make([]Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			w.Stop(drainCtx)
		}(w)
	}
	wg.Wait()

	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) supervise(ctx context.Context) {
	defer s.wg.Done()

	restart := backoff.NewExponentialBackOff()
	restart.InitialInterval = s.restartInit
	restart.Multiplier = 2
	restart.MaxInterval = s.restartMax
	restart.MaxElapsedTime = 0
	restart.RandomizationFactor = 0

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		workerID := id.NewWorkerID()
		if s.runOnce(ctx, workerID) {
			restart.Reset()
			return
		}

		delay := restart.NextBackOff()
		s.logger.Warn("worker exited, restarting", "worker_id", workerID.String(), "delay", delay)
		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// runOnce builds and starts one worker, registers it for drain, and
// blocks until the supervisor is stopped, or returns early when the
// factory fails or construction or startup panics. It reports true when the exit was cooperative
// (stopCh closed) and false when it should be restarted.
func (s *Supervisor) runOnce(ctx context.Context, workerID id.WorkerID) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "worker_id", workerID.String(), "panic", r)
			stopped = false
		}
	}()

	w, err := s.factory(ctx, workerID)
	if err != nil {
		s.logger.Error("worker factory failed", "worker_id", workerID.String(), "error", err.Error())
		return false
	}

	s.track(workerID, w)
	defer s.untrack(workerID)

	w.Start(ctx)
	<-s.stopCh
	return true
}

func (s *Supervisor) track(workerID id.ID, w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = w
}

func (s *Supervisor) untrack(workerID id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
}
