// ============================================================================
// Track Orchestrator - Coordinator
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Function: runs a batch of track jobs through a bounded set of workers and
//           assembles the aggregate result
//
// Architecture:
//   ┌─────────────┐   Run(jobs)   ┌──────────────────────────────┐
//   │   Caller    │ ────────────> │ Coordinator                  │
//   └─────────────┘               │  ├─ sort by priority         │
//         ↑                       │  ├─ N workers (worker.go)    │
//    AggregateResult              │  │    └─ unit.Processor      │
//         │                       │  ├─ admission.Controller     │
//         └────────────────────── │  ├─ collector.Collector      │
//                                 │  └─ progress.Bus             │
//                                 └──────────────────────────────┘
//
// Lifecycle:
//   idle ──Run──> running ──> completed | cancelled | failed
//   A coordinator runs one batch; Reset() is required before the next.
//
// Graceful degradation:
//   Run never surfaces a failure of the work itself. A panic in a worker
//   publishes an error event, stops the run and the partial result is
//   returned with state failed. Units that never started are reported with
//   every item cancelled so each submitted item is accounted for.
//
// Concurrency:
//   - mu protects configuration and run lifecycle
//   - statusMu protects the status snapshot, updated from bus events
//   - admission pools and the collector carry their own locks
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/admission"
	"github.com/ChuLiYu/track-orchestrator/internal/analyzer"
	"github.com/ChuLiYu/track-orchestrator/internal/collector"
	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/internal/unit"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	// ErrInvalidJob is returned by Run for a malformed batch.
	ErrInvalidJob = errors.New("coordinator: invalid job")
	// ErrNotReset is returned by Run when a previous run has not been reset.
	ErrNotReset = errors.New("coordinator: previous run not reset")
	// ErrAlreadyRunning is returned by Run and Reset while a run is active.
	ErrAlreadyRunning = errors.New("coordinator: run already in progress")
	// ErrMissingCollaborator is returned by New without a scorer or analyzer.
	ErrMissingCollaborator = errors.New("coordinator: scorer and analyzer are required")
)

// ============================================================================
// Data Structures
// ============================================================================

// Coordinator owns the admission controller, the progress bus and the
// status of one run at a time.
type Coordinator struct {
	mu      sync.Mutex
	cfg     Config
	running bool
	used    bool
	cancel  context.CancelFunc

	scorer    analyzer.Scorer
	analyzer  analyzer.Analyzer
	admission *admission.Controller
	bus       *progress.Bus
	logger    *slog.Logger
	sleep     unit.Sleeper

	statusMu sync.RWMutex
	status   types.Status
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used by the coordinator and everything it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleeper replaces the retry backoff wait of every unit.
func WithSleeper(sleep unit.Sleeper) Option {
	return func(c *Coordinator) {
		c.sleep = sleep
	}
}

// runState is shared by the workers of one run.
type runState struct {
	jobID      string
	cfg        Config
	unitConfig func() unit.Config
	admission  *admission.Controller
	scorer     analyzer.Scorer
	analyzer   analyzer.Analyzer
	bus        *progress.Bus
	queue      *jobQueue
	collector  *collector.Collector
	logger     *slog.Logger
	sleep      unit.Sleeper
	abort      context.CancelFunc
	failed     atomic.Bool
}

// fail records an unexpected failure and stops the run.
func (r *runState) fail(err error, stack []byte) {
	r.failed.Store(true)
	r.collector.AddError(err.Error())
	r.logger.Error("Run aborted", "job", r.jobID, "error", err, "stack", string(stack))
	r.bus.Publish(progress.Error(r.jobID, "", err))
	r.abort()
}

// ============================================================================
// Core Methods
// ============================================================================

// New creates a Coordinator.
func New(cfg Config, scorer analyzer.Scorer, an analyzer.Analyzer, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil || an == nil {
		return nil, ErrMissingCollaborator
	}

	c := &Coordinator{
		cfg:      cfg,
		scorer:   scorer,
		analyzer: an,
		logger:   slog.Default(),
		status:   types.Status{State: types.StateIdle},
	}
	for _, opt := range opts {
		opt(c)
	}

	adm, err := admission.New(cfg.admissionConfig(), admission.WithLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("create admission controller: %w", err)
	}
	c.admission = adm
	c.bus = progress.NewBus(c.logger)
	c.bus.Subscribe(c.track)
	return c, nil
}

// Run processes jobs and blocks until every unit finished or the run was
// stopped. Observers receive every event of this run. The returned error is
// only set for misuse (invalid jobs, concurrent or unreset runs).
func (c *Coordinator) Run(ctx context.Context, jobs []types.Job, observers ...progress.Listener) (*types.AggregateResult, error) {
	if err := ValidateJobs(jobs); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if c.used {
		c.mu.Unlock()
		return nil, ErrNotReset
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.used = true
	c.cancel = cancel
	cfg := c.cfg
	c.mu.Unlock()
	defer cancel()

	for _, observer := range observers {
		unsubscribe := c.bus.Subscribe(observer)
		defer unsubscribe()
	}

	ordered := sortJobs(jobs)
	totalItems := 0
	for _, job := range ordered {
		totalItems += len(job.Items)
	}

	jobID := uuid.NewString()
	run := &runState{
		jobID:      jobID,
		cfg:        cfg,
		unitConfig: func() unit.Config { return c.Config().unitConfig() },
		admission:  c.admission,
		scorer:     c.scorer,
		analyzer:   c.analyzer,
		bus:        c.bus,
		queue:      newJobQueue(ordered),
		collector:  collector.New(jobID, totalItems),
		logger:     c.logger.With(slog.String("job", jobID)),
		sleep:      c.sleep,
		abort:      cancel,
	}

	c.setStatus(types.Status{
		Active:     true,
		State:      types.StateRunning,
		UnitsTotal: len(ordered),
		ItemsTotal: totalItems,
		JobID:      jobID,
	})
	c.bus.Publish(progress.JobStarted(jobID, len(ordered), totalItems))
	c.logger.Info("Job started", "job", jobID, "units", len(ordered), "items", totalItems)

	var timedOut atomic.Bool
	if cfg.JobTimeout > 0 {
		timer := time.AfterFunc(cfg.JobTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	workers := min(cfg.MaxConcurrentUnits, len(ordered))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := newWorker(i, run)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx)
		}()
	}
	wg.Wait()

	state := c.settle(ctx, run, ordered, timedOut.Load())
	result := run.collector.Result(state)

	c.statusMu.Lock()
	c.status.Active = false
	c.status.State = state
	c.status.CurrentUnit = ""
	c.statusMu.Unlock()

	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	c.bus.Publish(progress.JobCompleted(jobID, result))
	c.logger.Info("Job completed",
		"job", jobID,
		"state", state,
		"successful", result.Summary.Successful,
		"failed", result.Summary.Failed,
		"skipped", result.Summary.Skipped,
		"cancelled", result.Summary.Cancelled,
		"duration", result.Summary.Duration)
	return result, nil
}

// settle accounts for units that never ran and decides the final state.
func (c *Coordinator) settle(parent context.Context, run *runState, ordered []types.Job, timedOut bool) types.State {
	reason := "run cancelled"
	switch {
	case run.failed.Load():
		reason = "run aborted"
	case timedOut:
		reason = "job timeout exceeded"
	}

	interrupted := false
	for _, job := range ordered {
		if run.collector.Has(job.ID) {
			continue
		}
		interrupted = true
		run.collector.Add(cancelledUnit(job, reason))
	}
	if !interrupted {
		interrupted = run.collector.Summary().Cancelled > 0
	}

	switch {
	case run.failed.Load():
		return types.StateFailed
	case !interrupted:
		return types.StateCompleted
	case timedOut:
		msg := fmt.Sprintf("job timeout of %s exceeded", run.cfg.JobTimeout)
		run.collector.AddError(msg)
		run.bus.Publish(progress.Warning(run.jobID, "", msg))
		run.logger.Warn("Job timed out", "timeout", run.cfg.JobTimeout)
		return types.StateCancelled
	default:
		if err := parent.Err(); err != nil {
			run.collector.AddError(fmt.Sprintf("context: %v", err))
		}
		return types.StateCancelled
	}
}

func cancelledUnit(job types.Job, reason string) types.UnitResult {
	now := time.Now()
	u := types.UnitResult{
		UnitID:      job.ID,
		Items:       make([]types.ItemResult, 0, len(job.Items)),
		Cancelled:   true,
		StartedAt:   now,
		CompletedAt: now,
	}
	for _, item := range job.Items {
		u.Items = append(u.Items, types.ItemResult{
			ItemID:     item.ID,
			Outcome:    types.OutcomeCancelled,
			SkipReason: reason,
		})
	}
	return u
}

// Cancel stops the active run cooperatively: no new unit or item starts,
// in-flight analyzer calls finish or time out. No-op when idle.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	c.logger.Info("Cancellation requested", "job", c.Status().JobID)
	cancel()
}

// Status returns a copy of the current progress.
func (c *Coordinator) Status() types.Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Coordinator) setStatus(s types.Status) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = s
}

// track keeps the status in line with the events of the active run.
func (c *Coordinator) track(e progress.Event) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if !c.status.Active || e.JobID != c.status.JobID {
		return
	}
	switch e.Type {
	case progress.EventUnitStarted:
		c.status.CurrentUnit = e.UnitID
	case progress.EventItemCompleted:
		c.status.ItemsProcessed++
	case progress.EventUnitCompleted:
		c.status.UnitsComplete++
	}
}

// Subscribe registers a listener for the events of every run.
func (c *Coordinator) Subscribe(listener progress.Listener) (unsubscribe func()) {
	return c.bus.Subscribe(listener)
}

// UpdateConfig applies a partial configuration change. Admission limits take
// effect immediately; retry settings apply to units started afterwards.
func (c *Coordinator) UpdateConfig(update ConfigUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := update.apply(c.cfg)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := c.admission.UpdateConfig(next.admissionConfig()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.cfg = next
	c.logger.Info("Configuration updated",
		"units", next.MaxConcurrentUnits,
		"calls", next.MaxConcurrentCalls,
		"rate_per_minute", next.RateLimitPerMinute)
	return nil
}

// Reset discards the previous run so the coordinator can run again. The
// admission controller drops its slots, queues and error history.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	c.used = false
	c.admission.Reset()
	c.setStatus(types.Status{State: types.StateIdle})
	return nil
}

// AdmissionStats returns the admission controller statistics.
func (c *Coordinator) AdmissionStats() admission.Stats {
	return c.admission.Stats()
}

// Config returns a copy of the configuration.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg
	cfg.RetryDelays = append([]time.Duration(nil), c.cfg.RetryDelays...)
	return cfg
}
