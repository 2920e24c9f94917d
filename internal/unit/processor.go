// ============================================================================
// Unit Processor - sequential item execution for one track
// ============================================================================
//
// Package: internal/unit
// File: processor.go
//
// State machine (one Processor per unit, never reused):
//
//   idle ──Run──> running ──(items)──> done
//
//   per item:  acquiring ──> analyzing ──> success
//                   │             │
//                   └──── retry <─┤ (recoverable, attempts left, backoff)
//                                 └──> failed
//              or: skipped (circuit open) / cancelled (run stopped)
//
// Items are processed strictly one after another so that every item sees
// the circuit-breaker decision of the items before it.
//
// Retry:
//   up to MaxRetries+1 attempts; attempt k (k >= 2) first waits
//   RetryDelays[k-2], reusing the last delay once the list runs out.
//   Slot acquisition failures count as recoverable attempt outcomes.
//
// Circuit breaker:
//   a gobreaker two-step breaker per unit trips after
//   CircuitBreakerThreshold consecutive item failures and never half-opens
//   during a run; every remaining item is recorded as skipped.
//
// Cancellation:
//   checked before each item; also interrupts backoff and slot waits. The
//   analyzer call itself is detached from cancellation and bounded only by
//   ItemTimeout.
//
// ============================================================================

package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/admission"
	"github.com/ChuLiYu/track-orchestrator/internal/analyzer"
	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"github.com/sony/gobreaker"
)

// breakerOpenTimeout keeps a tripped breaker open for the rest of the unit.
const breakerOpenTimeout = 24 * time.Hour

// KindCircuitBreaker tags the unit error recorded when the breaker trips.
const KindCircuitBreaker = "circuit_breaker"

var errCancelled = errors.New("unit: cancelled")

// State is the lifecycle state of a Processor.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateDone    State = "done"
)

// SlotAcquirer is the part of the admission controller a unit needs.
type SlotAcquirer interface {
	Acquire(ctx context.Context, kind admission.Kind, tag string, timeout time.Duration) (*admission.Slot, error)
	Release(slotID string, hadError bool) error
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Admission SlotAcquirer
	Scorer    analyzer.Scorer
	Analyzer  analyzer.Analyzer
	Events    progress.Publisher // optional
	JobID     string             // run identifier stamped on events
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Processor runs the items of one unit.
type Processor struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	sleep   Sleeper
	breaker *gobreaker.TwoStepCircuitBreaker

	state     State
	lastError string
}

// Option customises a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSleeper replaces the backoff wait.
func WithSleeper(sleep Sleeper) Option {
	return func(p *Processor) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// New creates a Processor for a single unit.
func New(cfg Config, deps Deps, opts ...Option) *Processor {
	p := &Processor{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default(),
		sleep:  sleepContext,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the processor state.
func (p *Processor) State() State {
	return p.state
}

// Run processes every item of job and returns the unit result. It never
// returns an error: failures are recorded in the result.
func (p *Processor) Run(ctx context.Context, job types.Job) types.UnitResult {
	result := types.UnitResult{
		UnitID:    job.ID,
		Items:     make([]types.ItemResult, 0, len(job.Items)),
		StartedAt: time.Now(),
	}

	if p.state != StateIdle {
		result.Errors = append(result.Errors, types.UnitError{
			Kind:    "processor_reused",
			Message: fmt.Sprintf("processor already in state %s", p.state),
		})
		p.cancelRemaining(&result, job.Items, "processor reused")
		result.CompletedAt = time.Now()
		return result
	}

	p.state = StateRunning
	p.breaker = p.newBreaker(job.ID)
	p.publish(progress.UnitStarted(p.deps.JobID, job.ID, len(job.Items)))
	p.logger.Debug("Unit started", "unit", job.ID, "items", len(job.Items))

	for i, item := range job.Items {
		if ctx.Err() != nil {
			p.cancelRemaining(&result, job.Items[i:], "run cancelled")
			break
		}

		done, err := p.breaker.Allow()
		if err != nil {
			skipped := types.ItemResult{
				ItemID:     item.ID,
				Outcome:    types.OutcomeSkipped,
				SkipReason: result.CircuitBreakReason,
			}
			result.Items = append(result.Items, skipped)
			p.publish(progress.ItemCompleted(p.deps.JobID, job.ID, skipped))
			continue
		}

		itemResult := p.processItem(ctx, job.ID, item, &result.CallStats)
		if itemResult.Outcome == types.OutcomeCancelled {
			result.Items = append(result.Items, itemResult)
			p.publish(progress.ItemCompleted(p.deps.JobID, job.ID, itemResult))
			p.cancelRemaining(&result, job.Items[i+1:], "run cancelled")
			break
		}

		done(itemResult.Outcome == types.OutcomeSuccess)
		result.Items = append(result.Items, itemResult)
		if itemResult.Outcome == types.OutcomeFailure {
			last := itemResult.Errors[len(itemResult.Errors)-1]
			p.lastError = last.Message
			result.Errors = append(result.Errors, types.UnitError{
				ItemID:  item.ID,
				Kind:    last.Kind,
				Message: last.Message,
			})
			p.publish(progress.Error(p.deps.JobID, job.ID, fmt.Errorf("item %s failed after %d attempts: %s", item.ID, itemResult.Attempts, last.Message)))
		}
		p.publish(progress.ItemCompleted(p.deps.JobID, job.ID, itemResult))

		if !result.CircuitBroken && p.breaker.State() == gobreaker.StateOpen {
			p.tripCircuit(&result)
		}
	}

	p.state = StateDone
	result.CompletedAt = time.Now()
	p.publish(progress.UnitCompleted(p.deps.JobID, result))
	p.logger.Info("Unit completed",
		"unit", job.ID,
		"success", result.Count(types.OutcomeSuccess),
		"failed", result.Count(types.OutcomeFailure),
		"skipped", result.Count(types.OutcomeSkipped),
		"cancelled", result.Count(types.OutcomeCancelled),
		"duration", result.CompletedAt.Sub(result.StartedAt))
	return result
}

func (p *Processor) newBreaker(unitID types.JobID) *gobreaker.TwoStepCircuitBreaker {
	threshold := uint32(p.cfg.CircuitBreakerThreshold)
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        string(unitID),
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
}

func (p *Processor) tripCircuit(result *types.UnitResult) {
	reason := fmt.Sprintf("circuit breaker opened after %d consecutive failures", p.cfg.CircuitBreakerThreshold)
	if p.lastError != "" {
		reason += ": " + p.lastError
	}
	result.CircuitBroken = true
	result.CircuitBreakReason = reason
	result.Errors = append(result.Errors, types.UnitError{
		Kind:    KindCircuitBreaker,
		Message: reason,
	})

	p.publish(progress.CircuitBroken(p.deps.JobID, result.UnitID, reason))
	p.logger.Warn("Circuit breaker opened",
		"unit", result.UnitID,
		"threshold", p.cfg.CircuitBreakerThreshold,
		"remaining", cap(result.Items)-len(result.Items))
}

func (p *Processor) cancelRemaining(result *types.UnitResult, items []types.WorkItem, reason string) {
	if len(items) == 0 {
		return
	}
	result.Cancelled = true
	for _, item := range items {
		result.Items = append(result.Items, types.ItemResult{
			ItemID:     item.ID,
			Outcome:    types.OutcomeCancelled,
			SkipReason: reason,
		})
	}
}

// processItem runs the attempt loop of one item.
func (p *Processor) processItem(ctx context.Context, unitID types.JobID, item types.WorkItem, stats *types.CallStats) types.ItemResult {
	start := time.Now()
	p.publish(progress.ItemStarted(p.deps.JobID, unitID, item.ID))

	result := types.ItemResult{ItemID: item.ID, Outcome: types.OutcomeFailure}
	scores := p.deps.Scorer.Score(item)
	tag := fmt.Sprintf("%s/%s", unitID, item.ID)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			delay := p.cfg.delayFor(attempt)
			stats.Retries++
			p.publish(progress.ItemRetry(p.deps.JobID, unitID, item.ID, attempt, delay, lastErr))
			p.logger.Debug("Retrying item",
				"item", tag,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			if err := p.sleep(ctx, delay); err != nil {
				result.Outcome = types.OutcomeCancelled
				result.SkipReason = "run cancelled"
				break
			}
		}

		result.Attempts = attempt
		analysis, err := p.attempt(ctx, tag, item, scores, stats)
		if err == nil {
			result.Outcome = types.OutcomeSuccess
			result.Analysis = analysis
			break
		}
		if errors.Is(err, errCancelled) {
			result.Outcome = types.OutcomeCancelled
			result.SkipReason = "run cancelled"
			break
		}

		lastErr = err
		classified := analyzer.Classify(err)
		recoverable := classified.Kind.Recoverable()
		result.Errors = append(result.Errors, types.ItemError{
			Attempt:   attempt,
			Kind:      string(classified.Kind),
			Message:   classified.Message,
			Retryable: recoverable,
		})
		if !recoverable {
			break
		}
	}

	result.Duration = time.Since(start)
	return result
}

// attempt acquires a call slot, runs the analyzer and releases the slot.
func (p *Processor) attempt(ctx context.Context, tag string, item types.WorkItem, scores []types.RankedScore, stats *types.CallStats) (*types.AnalysisResult, error) {
	slot, err := p.deps.Admission.Acquire(ctx, admission.KindCall, tag, p.cfg.ItemTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errCancelled
		}
		stats.AcquireFailures++
		if errors.Is(err, admission.ErrRateLimited) {
			stats.RateLimited++
			return nil, analyzer.Wrap(analyzer.KindRateLimited, err)
		}
		return nil, analyzer.Wrap(analyzer.KindAcquireFailed, err)
	}

	stats.Attempts++
	callStart := time.Now()
	analysis, err := p.call(ctx, item, scores)
	stats.TotalLatency += time.Since(callStart)

	if releaseErr := p.deps.Admission.Release(slot.ID, err != nil); releaseErr != nil {
		p.logger.Warn("Failed to release call slot", "item", tag, "error", releaseErr)
	}

	if err != nil {
		stats.Failures++
		return nil, err
	}
	stats.Successes++
	return analysis, nil
}

type callOutcome struct {
	analysis *types.AnalysisResult
	err      error
}

// call invokes the analyzer with a wall-clock deadline of ItemTimeout that
// cooperative cancellation does not shorten.
func (p *Processor) call(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ItemTimeout)
	defer cancel()

	ch := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- callOutcome{err: analyzer.NewError(analyzer.KindUnknown, fmt.Sprintf("analyzer panic: %v", r))}
			}
		}()
		analysis, err := p.deps.Analyzer.Analyze(callCtx, item, scores)
		if err == nil && analysis == nil {
			err = analyzer.NewError(analyzer.KindParseError, "analyzer returned no result")
		}
		ch <- callOutcome{analysis: analysis, err: err}
	}()

	select {
	case out := <-ch:
		return out.analysis, out.err
	case <-callCtx.Done():
		return nil, analyzer.Wrap(analyzer.KindTimeout, fmt.Errorf("analyzer exceeded %s: %w", p.cfg.ItemTimeout, callCtx.Err()))
	}
}

func (p *Processor) publish(e progress.Event) {
	if p.deps.Events != nil {
		p.deps.Events.Publish(e)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
