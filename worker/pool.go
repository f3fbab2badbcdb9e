// Package worker implements the dispatch engine's central state
// machine (spec §4.5): a pool of concurrent workers that poll the
// ready streams strictly HIGH→MEDIUM→LOW, rate-gate, render, dispatch,
// classify the outcome, and either ack, DLQ, or hand off to the retry
// controller — plus the periodic pending-entry reclaim of step 4.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mailforge/dispatch/audit"
	"github.com/mailforge/dispatch/cluster"
	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/middleware"
	"github.com/mailforge/dispatch/provider"
	"github.com/mailforge/dispatch/queuestore"
	"github.com/mailforge/dispatch/ratelimit"
	"github.com/mailforge/dispatch/renderer"
	"github.com/mailforge/dispatch/retry"
)

// group is the single consumer group name shared by all workers across
// every priority stream (spec §4.5 step 1).
const group = "workers"

// Pool manages a set of concurrent worker goroutines implementing the
// spec §4.5 main loop, plus one leader-gated reclaim loop per process.
type Pool struct {
	store      queuestore.Store
	limiter    ratelimit.Limiter
	renderer   *renderer.Renderer
	drivers    map[job.ProviderKind]provider.Driver
	retry      *retry.Controller
	audit      *audit.Recorder
	cluster    cluster.Store
	logger     *slog.Logger
	workerID   id.WorkerID
	dispatchMW middleware.Middleware

	concurrency     int
	blockTimeout    time.Duration
	dispatchTimeout time.Duration
	rateWaitMax     time.Duration
	rateRetryWait   time.Duration
	reclaimInterval time.Duration
	pendingTimeout  time.Duration
	fromAddress     string

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of worker goroutines (WORKER_COUNT).
func WithConcurrency(n int) Option { return func(p *Pool) { p.concurrency = n } }

// WithDispatchTimeout bounds a single provider dispatch call.
func WithDispatchTimeout(d time.Duration) Option {
	return func(p *Pool) { p.dispatchTimeout = d }
}

// WithRateWaitMax bounds how long a worker waits for a rate-limit token.
func WithRateWaitMax(d time.Duration) Option { return func(p *Pool) { p.rateWaitMax = d } }

// WithReclaimInterval sets how often the leader scans for reclaimable
// pending entries.
func WithReclaimInterval(d time.Duration) Option {
	return func(p *Pool) { p.reclaimInterval = d }
}

// WithPendingTimeout sets the idle threshold beyond which a pending
// entry is reclaimed.
func WithPendingTimeout(d time.Duration) Option {
	return func(p *Pool) { p.pendingTimeout = d }
}

// WithFromAddress sets the sender address passed to every dispatch.
func WithFromAddress(addr string) Option { return func(p *Pool) { p.fromAddress = addr } }

// WithLogger overrides the pool's logger.
func WithLogger(logger *slog.Logger) Option { return func(p *Pool) { p.logger = logger } }

// New builds a Pool. drivers maps each provider kind this process can
// dispatch through; a job whose provider has no entry is treated as a
// permanent failure. clusterStore may be nil, in which case this
// process always considers itself the reclaim leader (single-instance
// deployments).
func New(
	store queuestore.Store,
	limiter ratelimit.Limiter,
	rend *renderer.Renderer,
	drivers map[job.ProviderKind]provider.Driver,
	retryController *retry.Controller,
	clusterStore cluster.Store,
	workerID id.WorkerID,
	opts ...Option,
) *Pool {
	p := &Pool{
		store:           store,
		limiter:         limiter,
		renderer:        rend,
		drivers:         drivers,
		retry:           retryController,
		cluster:         clusterStore,
		workerID:        workerID,
		logger:          slog.Default(),
		concurrency:     3,
		blockTimeout:    5 * time.Second,
		dispatchTimeout: 30 * time.Second,
		rateWaitMax:     30 * time.Second,
		rateRetryWait:   100 * time.Millisecond,
		reclaimInterval: 30 * time.Second,
		pendingTimeout:  60 * time.Second,
		fromAddress:     "no-reply@example.com",
		stopCh:          make(chan struct{}),
		active:          make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(p)
	}
	p.audit = audit.New(store, p.logger)
	p.dispatchMW = middleware.Chain(
		middleware.Recover(p.logger),
		middleware.Logging(p.logger),
		middleware.Timeout(p.dispatchTimeout, p.logger),
		middleware.Tracing(),
		middleware.Metrics(),
	)
	return p
}

// WorkerID returns the pool's worker identity.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines and the reclaim loop.
func (p *Pool) Start(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.logger.Info("worker pool starting",
		"worker_id", p.workerID.String(), "concurrency", p.concurrency)

	for i := 0; i < p.concurrency; i++ {
		consumer := p.consumerName(i)
		p.wg.Add(1)
		go p.pollLoop(consumer)
	}

	p.wg.Add(1)
	go p.reclaimLoop()
}

// Stop signals every worker goroutine to finish its current job and
// exit, waiting up to ctx's deadline before cancelling in-flight work.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool draining", "worker_id", p.workerID.String())
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-ctx.Done():
		p.logger.Warn("drain timed out, cancelling in-flight dispatches")
		p.cancelActive()
		p.wg.Wait()
	}
}

func (p *Pool) consumerName(i int) string {
	if i == 0 {
		return p.workerID.String()
	}
	return p.workerID.String() + "-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// pollLoop is the spec §4.5 main loop for one consumer within this
// worker process.
func (p *Pool) pollLoop(consumer string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		entries, err := p.store.ReadGroup(context.Background(), group, consumer, job.Priorities, 1, p.blockTimeout)
		if err != nil {
			p.logger.Error("read_group failed", "error", err.Error(), "consumer", consumer)
			p.sleep(time.Second)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		entry := entries[0]
		ctx, cancel := context.WithCancel(context.Background())
		p.trackActive(entry.EntryID, cancel)
		p.process(ctx, consumer, entry)
		p.untrackActive(entry.EntryID)
		cancel()
	}
}

// process runs steps 3a-g of the worker main loop for a single entry.
func (p *Pool) process(ctx context.Context, consumer string, entry queuestore.Entry) {
	j := entry.Job

	if err := j.Validate(); err != nil {
		p.ackDiscard(ctx, entry, consumer, "malformed: "+err.Error())
		return
	}

	if !p.rateGate(ctx, j) {
		p.retriable(ctx, j, entry.EntryID, entry.Priority, consumer, "rate limit exhausted")
		return
	}

	rendered, found := p.renderer.Render(j.TemplateName, j.TemplateContext, j.Subject)
	if !found {
		p.logger.Warn("template not found, using fallback body",
			"job_id", j.ID.String(), "template_name", j.TemplateName)
	}

	outcome, reason, err := p.dispatch(ctx, j, rendered)
	if err != nil {
		p.retriable(ctx, j, entry.EntryID, entry.Priority, consumer, err.Error())
		return
	}
	if outcome == provider.Unclassified {
		outcome, reason = p.resolveUnclassified(j, reason)
	}

	switch outcome {
	case provider.Ok:
		p.succeed(ctx, entry, consumer, j)
	case provider.Permanent:
		p.permanentFail(ctx, entry, consumer, j, reason)
	default:
		p.retriable(ctx, j, entry.EntryID, entry.Priority, consumer, reason)
	}
}

// resolveUnclassified applies spec §4.5's conservative default for a
// failure no driver could classify: retriable on a job's first
// attempt, permanent on any attempt after that, so an unrecognized
// error doesn't retry forever.
func (p *Pool) resolveUnclassified(j *job.Job, reason string) (provider.Outcome, string) {
	if j.AttemptCount == 0 {
		return provider.Transient, reason
	}
	return provider.Permanent, "unclassified failure after first attempt: " + reason
}

// rateGate loops try_acquire with backoff up to RATE_WAIT_MAX (spec
// §4.5 step b).
func (p *Pool) rateGate(ctx context.Context, j *job.Job) bool {
	deadline := time.Now().Add(p.rateWaitMax)
	for {
		ok, err := p.limiter.TryAcquire(ctx, j.Provider, 1)
		if err != nil {
			p.logger.Warn("rate limiter error, treating as exhausted", "error", err.Error())
			return false
		}
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.rateRetryWait):
		}
	}
}

var errUnknownProvider = errors.New("dispatch/worker: no driver configured for provider")

// dispatch hands the rendered message to the job's provider driver,
// wrapped in the recover/logging/timeout/tracing/metrics middleware
// chain. The chain's own error return only reflects handler panics or
// deadline expiry; the (Outcome, reason, error) triple below is what
// process actually branches on.
func (p *Pool) dispatch(ctx context.Context, j *job.Job, rendered renderer.Rendered) (provider.Outcome, string, error) {
	driver, ok := p.drivers[j.Provider]
	if !ok {
		return provider.Permanent, errUnknownProvider.Error(), nil
	}

	var outcome provider.Outcome
	var reason string
	var sendErr error
	var sent bool

	chainErr := p.dispatchMW(ctx, j, func(dispatchCtx context.Context) error {
		outcome, reason, sendErr = driver.Send(dispatchCtx, p.fromAddress, j.Recipients, provider.Rendered{
			Subject: rendered.Subject,
			HTML:    rendered.HTML,
			Text:    rendered.Text,
		})
		sent = true
		if sendErr != nil {
			return sendErr
		}
		if outcome != provider.Ok {
			return errors.New(reason)
		}
		return nil
	})

	if !sent {
		// Recover caught a driver panic, or Timeout expired before Send ran.
		return provider.Transient, chainErr.Error(), nil
	}
	return outcome, reason, sendErr
}

func (p *Pool) succeed(ctx context.Context, entry queuestore.Entry, consumer string, j *job.Job) {
	if err := p.store.Ack(ctx, entry.Priority, group, entry.EntryID); err != nil {
		p.logger.Error("ack failed on success", "error", err.Error(), "job_id", j.ID.String())
	}
	if err := p.store.IncrSent(ctx); err != nil {
		p.logger.Warn("incr sent counter", "error", err.Error())
	}
	p.audit.RecordSent(ctx, j)
	p.logger.Info("job sent", "job_id", j.ID.String(), "provider", j.Provider)
}

func (p *Pool) permanentFail(ctx context.Context, entry queuestore.Entry, consumer string, j *job.Job, reason string) {
	if err := p.store.Ack(ctx, entry.Priority, group, entry.EntryID); err != nil {
		p.logger.Error("ack failed on permanent failure", "error", err.Error(), "job_id", j.ID.String())
	}
	dlqEntry := &job.DeadLetterEntry{
		JobID:             j.ID,
		Job:               j,
		FailureReason:     reason,
		FinalAttemptCount: j.AttemptCount,
		MovedAt:           time.Now().UTC(),
	}
	if err := p.store.PushDLQ(ctx, dlqEntry); err != nil {
		p.logger.Error("push dlq failed", "error", err.Error(), "job_id", j.ID.String())
	}
	if err := p.store.IncrFailed(ctx); err != nil {
		p.logger.Warn("incr failed counter", "error", err.Error())
	}
	p.audit.RecordFailedPermanent(ctx, j, reason)
	p.logger.Warn("job failed permanently", "job_id", j.ID.String(), "reason", reason)
}

func (p *Pool) retriable(ctx context.Context, j *job.Job, entryID string, priority job.Priority, consumer, reason string) {
	if err := p.retry.OnRetriableFailure(ctx, j, entryID, priority, group, reason); err != nil {
		p.logger.Error("retry controller failed", "error", err.Error(), "job_id", j.ID.String())
	}
}

func (p *Pool) ackDiscard(ctx context.Context, entry queuestore.Entry, consumer, reason string) {
	j := entry.Job
	if err := p.store.Ack(ctx, entry.Priority, group, entry.EntryID); err != nil {
		p.logger.Error("ack failed on malformed entry", "error", err.Error())
	}
	p.audit.RecordMalformed(ctx, j, reason)
	p.logger.Warn("discarded malformed job", "job_id", j.ID.String(), "reason", reason)
}

// reclaimLoop is spec §4.5 step 4: every ReclaimInterval, the elected
// leader claims pending entries idle longer than PendingTimeout and
// reprocesses them.
func (p *Pool) reclaimLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.isReclaimLeader(context.Background()) {
				p.reclaim(context.Background())
			}
		}
	}
}

func (p *Pool) isReclaimLeader(ctx context.Context) bool {
	if p.cluster == nil {
		return true
	}
	leader, err := p.cluster.GetLeader(ctx)
	if err != nil || leader == nil {
		return false
	}
	return leader.ID.String() == p.workerID.String()
}

func (p *Pool) reclaim(ctx context.Context) {
	for _, priority := range job.Priorities {
		pending, err := p.store.Pending(ctx, priority, group)
		if err != nil {
			p.logger.Error("pending scan failed", "error", err.Error(), "priority", priority)
			continue
		}

		var stale []string
		for _, entry := range pending {
			if entry.Idle > p.pendingTimeout {
				stale = append(stale, entry.EntryID)
			}
		}
		if len(stale) == 0 {
			continue
		}

		claimed, err := p.store.Claim(ctx, priority, group, p.workerID.String(), stale)
		if err != nil {
			p.logger.Error("claim failed", "error", err.Error(), "priority", priority)
			continue
		}

		p.logger.Info("reclaimed stale pending entries", "priority", priority, "count", len(claimed))
		for _, entry := range claimed {
			ctx, cancel := context.WithCancel(context.Background())
			p.trackActive(entry.EntryID, cancel)
			p.process(ctx, p.workerID.String(), entry)
			p.untrackActive(entry.EntryID)
			cancel()
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) trackActive(entryID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[entryID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackActive(entryID string) {
	p.activeMu.Lock()
	delete(p.active, entryID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for entryID, cancel := range p.active {
		p.logger.Warn("cancelling in-flight dispatch", "entry_id", entryID)
		cancel()
	}
}
