// Package types defines the domain model shared by the orchestrator: jobs,
// work items, per-item and per-unit results, the aggregate result and the
// live status snapshot.
package types

import (
	"time"
)

// JobID identifies one submitted track (unit of sequential work).
type JobID string

// State is the lifecycle state of a coordinator run.
type State string

const (
	StateIdle      State = "idle"      // no run started, or reset
	StateRunning   State = "running"   // workers are processing units
	StateCompleted State = "completed" // every unit finished
	StateCancelled State = "cancelled" // Cancel() or job timeout stopped the run
	StateFailed    State = "failed"    // an unexpected panic aborted the run
)

// Outcome classifies a single ItemResult.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeSkipped   Outcome = "skipped"   // circuit breaker was open
	OutcomeCancelled Outcome = "cancelled" // never completed because the run stopped
)

// Job is one track submitted to the coordinator. Immutable once submitted.
type Job struct {
	ID       JobID      `json:"id" yaml:"id"`
	Items    []WorkItem `json:"items" yaml:"items"`
	Priority int        `json:"priority,omitempty" yaml:"priority,omitempty"` // ascending; 0 sorts last
}

// WorkItem is one analyzable unit of work (a race). The payload is opaque to
// the orchestrator and only interpreted by the scorer and analyzer.
type WorkItem struct {
	ID      string         `json:"id" yaml:"id"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// RankedScore is one scored entrant produced by a Scorer.
type RankedScore struct {
	Entrant string  `json:"entrant" yaml:"entrant"`
	Score   float64 `json:"score" yaml:"score"`
	Rank    int     `json:"rank" yaml:"rank"`
}

// AnalysisResult is the analyzer's answer for one work item.
type AnalysisResult struct {
	Content  string         `json:"content" yaml:"content"`
	Picks    []string       `json:"picks,omitempty" yaml:"picks,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ItemError records one failed attempt of an item.
type ItemError struct {
	Attempt   int    `json:"attempt" yaml:"attempt"`
	Kind      string `json:"kind" yaml:"kind"`
	Message   string `json:"message" yaml:"message"`
	Retryable bool   `json:"retryable" yaml:"retryable"`
}

// ItemResult is the immutable outcome of one work item.
type ItemResult struct {
	ItemID     string          `json:"item_id" yaml:"item_id"`
	Outcome    Outcome         `json:"outcome" yaml:"outcome"`
	Analysis   *AnalysisResult `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Errors     []ItemError     `json:"errors,omitempty" yaml:"errors,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
	Attempts   int             `json:"attempts" yaml:"attempts"`
	Duration   time.Duration   `json:"duration" yaml:"duration"`
}

// UnitError is a unit-level error entry: a failed item or a circuit-break notice.
type UnitError struct {
	ItemID  string `json:"item_id,omitempty" yaml:"item_id,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

// CallStats counts downstream analyzer calls and admission outcomes.
type CallStats struct {
	Attempts        int           `json:"attempts" yaml:"attempts"`
	Successes       int           `json:"successes" yaml:"successes"`
	Failures        int           `json:"failures" yaml:"failures"`
	Retries         int           `json:"retries" yaml:"retries"`
	AcquireFailures int           `json:"acquire_failures" yaml:"acquire_failures"`
	RateLimited     int           `json:"rate_limited" yaml:"rate_limited"`
	TotalLatency    time.Duration `json:"total_latency" yaml:"total_latency"`
}

// Merge adds other into s.
func (s *CallStats) Merge(other CallStats) {
	s.Attempts += other.Attempts
	s.Successes += other.Successes
	s.Failures += other.Failures
	s.Retries += other.Retries
	s.AcquireFailures += other.AcquireFailures
	s.RateLimited += other.RateLimited
	s.TotalLatency += other.TotalLatency
}

// UnitResult is the result of one track, built by a single unit processor.
type UnitResult struct {
	UnitID             JobID        `json:"unit_id" yaml:"unit_id"`
	Items              []ItemResult `json:"items" yaml:"items"`
	Errors             []UnitError  `json:"errors,omitempty" yaml:"errors,omitempty"`
	CircuitBroken      bool         `json:"circuit_broken" yaml:"circuit_broken"`
	CircuitBreakReason string       `json:"circuit_break_reason,omitempty" yaml:"circuit_break_reason,omitempty"`
	Cancelled          bool         `json:"cancelled" yaml:"cancelled"`
	CallStats          CallStats    `json:"call_stats" yaml:"call_stats"`
	StartedAt          time.Time    `json:"started_at" yaml:"started_at"`
	CompletedAt        time.Time    `json:"completed_at" yaml:"completed_at"`
}

// Count returns how many items of the unit ended with the given outcome.
func (u UnitResult) Count(outcome Outcome) int {
	n := 0
	for _, item := range u.Items {
		if item.Outcome == outcome {
			n++
		}
	}
	return n
}

// Summary aggregates every unit of a run.
type Summary struct {
	UnitsTotal      int           `json:"units_total" yaml:"units_total"`
	UnitsSucceeded  int           `json:"units_succeeded" yaml:"units_succeeded"` // every item succeeded
	UnitsPartial    int           `json:"units_partial" yaml:"units_partial"`     // some items succeeded
	UnitsFailed     int           `json:"units_failed" yaml:"units_failed"`       // no item succeeded
	UnitsBroken     int           `json:"units_broken" yaml:"units_broken"`
	ItemsTotal      int           `json:"items_total" yaml:"items_total"`
	Successful      int           `json:"successful" yaml:"successful"`
	Failed          int           `json:"failed" yaml:"failed"`
	Skipped         int           `json:"skipped" yaml:"skipped"`
	Cancelled       int           `json:"cancelled" yaml:"cancelled"`
	SuccessRate     float64       `json:"success_rate" yaml:"success_rate"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
	AverageItemTime time.Duration `json:"average_item_time" yaml:"average_item_time"`
	CallStats       CallStats     `json:"call_stats" yaml:"call_stats"`
}

// AggregateResult is produced once per coordinator run. Read-only to callers.
type AggregateResult struct {
	JobID       string       `json:"job_id" yaml:"job_id"`
	State       State        `json:"state" yaml:"state"`
	Units       []UnitResult `json:"units" yaml:"units"`
	Summary     Summary      `json:"summary" yaml:"summary"`
	Errors      []string     `json:"errors,omitempty" yaml:"errors,omitempty"`
	StartedAt   time.Time    `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time    `json:"completed_at" yaml:"completed_at"`
}

// Status is a point-in-time copy of a coordinator's progress.
type Status struct {
	Active         bool   `json:"active" yaml:"active"`
	State          State  `json:"state" yaml:"state"`
	UnitsComplete  int    `json:"units_complete" yaml:"units_complete"`
	UnitsTotal     int    `json:"units_total" yaml:"units_total"`
	ItemsProcessed int    `json:"items_processed" yaml:"items_processed"`
	ItemsTotal     int    `json:"items_total" yaml:"items_total"`
	CurrentUnit    JobID  `json:"current_unit,omitempty" yaml:"current_unit,omitempty"`
	JobID          string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
}
