// Package scheduler is the coordinating engine: a single tick loop decides
// which jobs are due, the concurrency guard admits attempts, and a bounded
// worker pool resolves environments and dispatches them.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cronpilot/cronpilot/dispatch"
	"github.com/cronpilot/cronpilot/environment"
	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/guard"
	"github.com/cronpilot/cronpilot/history"
	"github.com/cronpilot/cronpilot/notify"
	"github.com/cronpilot/cronpilot/registry"
)

// Config holds the engine's tuning knobs.
type Config struct {
	// TickInterval is how often the loop evaluates due jobs.
	TickInterval time.Duration

	// MaxWorkers bounds total concurrent executions.
	MaxWorkers int

	// DefaultTimeout applies to jobs that declare no timeout of their own.
	DefaultTimeout time.Duration

	// MaxStartsPerMinute throttles process spawns across all jobs.
	// Zero disables the limiter.
	MaxStartsPerMinute int

	// Timezone is applied uniformly to all schedule resolution.
	Timezone *time.Location

	// RetentionPeriod marks terminal run records eligible for cleanup.
	// Zero disables the maintenance sweep.
	RetentionPeriod time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   5 * time.Second,
		MaxWorkers:     10,
		DefaultTimeout: time.Hour,
		Timezone:       time.UTC,
	}
}

// Pruner removes expired captured output; physical deletion of history
// belongs to the storage collaborator, not the engine.
type Pruner interface {
	Prune(olderThan time.Duration) (int, error)
}

// attempt is one admitted execution travelling from the tick loop (or a
// manual trigger) to a worker.
type attempt struct {
	job *registry.Job
	rec *history.Record
}

// Engine drives scheduling and execution. One tick loop, one worker pool,
// both stopped together by Stop.
type Engine struct {
	jobs       *registry.Store
	runs       *history.Store
	guard      *guard.Guard
	resolver   *environment.Resolver
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier
	pruner     Pruner
	cfg        Config
	log        *zap.SugaredLogger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	queue   chan attempt
	limiter *rate.Limiter

	mu             sync.Mutex
	running        bool
	cancels        map[string]context.CancelFunc
	activeWorkers  int
	lastActiveSeen int
	ticks          int64
	lastTickAt     time.Time
	degraded       bool
}

// New creates an engine. The pruner is optional.
func New(jobs *registry.Store, runs *history.Store, g *guard.Guard,
	resolver *environment.Resolver, dispatcher *dispatch.Dispatcher,
	notifier notify.Notifier, pruner Pruner, cfg Config, log *zap.SugaredLogger) *Engine {

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Hour
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}

	e := &Engine{
		jobs:       jobs,
		runs:       runs,
		guard:      g,
		resolver:   resolver,
		dispatcher: dispatcher,
		notifier:   notifier,
		pruner:     pruner,
		cfg:        cfg,
		log:        log,
		cancels:    make(map[string]context.CancelFunc),
	}
	if cfg.MaxStartsPerMinute > 0 {
		e.limiter = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(cfg.MaxStartsPerMinute)),
			cfg.MaxStartsPerMinute)
	}
	return e
}

// Start reconciles orphaned attempts from a previous process, seeds missing
// fire times, and launches the workers and the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.queue = make(chan attempt, e.cfg.MaxWorkers*2)
	e.running = true
	e.mu.Unlock()

	if _, err := e.guard.ReconcileOrphans("interrupted by scheduler restart"); err != nil {
		e.log.Warnw("Failed to reconcile orphaned runs", "error", err)
	}

	now := time.Now().UTC()
	if err := e.seedNextRuns(now); err != nil {
		e.log.Warnw("Failed to seed next fire times", "error", err)
	}

	for i := 0; i < e.cfg.MaxWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.run()

	if e.cfg.RetentionPeriod > 0 {
		e.wg.Add(1)
		go e.maintenance()
	}

	e.log.Infow("Scheduler engine started",
		"tick_interval", e.cfg.TickInterval,
		"max_workers", e.cfg.MaxWorkers,
		"default_timeout", e.cfg.DefaultTimeout,
		"timezone", e.cfg.Timezone.String())
	return nil
}

// Stop cancels the tick loop, in-flight runs and workers, and waits for
// them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.log.Infow("Scheduler engine stopped")
}

// run is the coordinating tick loop. It is the only writer of fire-time
// decisions, which keeps "is this job due" race-free.
func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.mu.Lock()
			e.ticks++
			e.lastTickAt = now
			e.mu.Unlock()

			if err := e.tick(now.UTC()); err != nil {
				e.setDegraded(true)
				e.log.Errorw("Scheduler tick failed", "error", err)
				continue
			}
			e.setDegraded(false)
			e.logActivity()
		}
	}
}

// tick admits every due job and hands it to the worker pool. The next fire
// time advances whether or not admission succeeds, so a busy job skips the
// occurrence instead of firing twice for it later.
func (e *Engine) tick(now time.Time) error {
	if err := e.seedNextRuns(now); err != nil {
		return err
	}

	due, err := e.jobs.ListDue(now)
	if err != nil {
		return errors.Wrap(err, "failed to list due jobs")
	}

	for _, job := range due {
		select {
		case <-e.ctx.Done():
			return nil
		default:
		}

		e.advanceNextRun(job, now)

		rec, err := e.guard.TryAdmit(job.ID)
		if err != nil {
			if errors.Is(err, guard.ErrAlreadyRunning) {
				e.log.Infow("Skipping scheduled fire, previous run still active",
					"job_id", job.ID, "job_name", job.Name)
				continue
			}
			e.setDegraded(true)
			e.log.Errorw("Admission failed", "job_id", job.ID, "error", err)
			continue
		}

		if !e.enqueue(attempt{job: job, rec: rec}) {
			return nil
		}
	}
	return nil
}

// seedNextRuns computes fire times for active automatic jobs that have none
// yet (new registrations and schedule updates).
func (e *Engine) seedNextRuns(now time.Time) error {
	jobs, err := e.jobs.ListActive()
	if err != nil {
		return errors.Wrap(err, "failed to list active jobs")
	}
	for _, job := range jobs {
		if job.NextRunAt != nil {
			continue
		}
		e.advanceNextRun(job, now)
	}
	return nil
}

func (e *Engine) advanceNextRun(job *registry.Job, now time.Time) {
	next, ok := job.Schedule.NextFire(now, e.cfg.Timezone)
	if !ok {
		return
	}
	if err := e.jobs.SetNextRun(job.ID, &next); err != nil {
		e.log.Errorw("Failed to store next fire time",
			"job_id", job.ID, "next_run_at", next, "error", err)
		return
	}
	job.NextRunAt = &next
}

func (e *Engine) enqueue(a attempt) bool {
	select {
	case <-e.ctx.Done():
		if err := e.guard.Release(a.rec, "scheduler shutting down"); err != nil {
			e.log.Errorw("Failed to release attempt on shutdown",
				"job_id", a.rec.JobID, "attempt_id", a.rec.AttemptID, "error", err)
		}
		return false
	case e.queue <- a:
		return true
	}
}

// Trigger runs the job now, through the same admission path as scheduled
// fires, so a manual run and a scheduled run of the same job cannot
// overlap. Returns the admitted record, or guard.ErrAlreadyRunning.
func (e *Engine) Trigger(jobID string) (*history.Record, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return nil, errors.New("engine is not running")
	}

	job, err := e.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}

	rec, err := e.guard.TryAdmit(job.ID)
	if err != nil {
		return nil, err
	}

	e.log.Infow("Manual trigger admitted", "job_id", job.ID, "job_name", job.Name,
		"attempt_id", rec.AttemptID)
	if !e.enqueue(attempt{job: job, rec: rec}) {
		return nil, errors.New("engine is shutting down")
	}
	return rec, nil
}

// CancelRun signals the worker executing the attempt to terminate it.
// Best effort: returns false when the attempt is not currently executing.
func (e *Engine) CancelRun(attemptID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[attemptID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// worker pulls admitted attempts off the queue, resolves their environment
// and dispatches them. Environment failures finish the record without a
// process spawn and without counting against active workers.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case a := <-e.queue:
			e.process(id, a)
		}
	}
}

func (e *Engine) process(workerID int, a attempt) {
	env, err := e.resolver.Resolve(e.ctx, a.job.Env)
	if err != nil {
		a.rec.EnvironmentError(err)
		if updateErr := e.runs.Update(a.rec); updateErr != nil {
			e.log.Errorw("Failed to record environment error",
				"job_id", a.rec.JobID, "attempt_id", a.rec.AttemptID, "error", updateErr)
		}
		e.log.Warnw("Environment resolution failed",
			"job_id", a.job.ID, "job_name", a.job.Name, "error", err)
		e.notifier.OnTerminal(a.rec)
		return
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(e.ctx); err != nil {
			if releaseErr := e.guard.Release(a.rec, "scheduler shutting down"); releaseErr != nil {
				e.log.Errorw("Failed to release attempt on shutdown",
					"job_id", a.rec.JobID, "attempt_id", a.rec.AttemptID, "error", releaseErr)
			}
			return
		}
	}

	runCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.activeWorkers++
	e.cancels[a.rec.AttemptID] = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.activeWorkers--
		delete(e.cancels, a.rec.AttemptID)
		e.mu.Unlock()
	}()

	e.dispatcher.Dispatch(runCtx, a.job, env, a.rec, a.job.Config, a.job.Timeout(e.cfg.DefaultTimeout))
	e.notifier.OnTerminal(a.rec)
}

// maintenance periodically marks expired history eligible for cleanup and
// prunes captured output through the storage collaborator.
func (e *Engine) maintenance() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			expired, err := e.runs.ListExpired(e.cfg.RetentionPeriod, 1000)
			if err != nil {
				e.log.Warnw("Failed to list expired runs", "error", err)
				continue
			}
			if len(expired) > 0 {
				e.log.Infow("Run records eligible for cleanup",
					"count", len(expired), "retention", e.cfg.RetentionPeriod.String())
			}
			if e.pruner != nil {
				if _, err := e.pruner.Prune(e.cfg.RetentionPeriod); err != nil {
					e.log.Warnw("Failed to prune run logs", "error", err)
				}
			}
		}
	}
}

func (e *Engine) setDegraded(degraded bool) {
	e.mu.Lock()
	changed := e.degraded != degraded
	e.degraded = degraded
	e.mu.Unlock()
	if changed && degraded {
		e.log.Errorw("Scheduler degraded, store operations failing; continuing best effort")
	}
	if changed && !degraded {
		e.log.Infow("Scheduler recovered")
	}
}
