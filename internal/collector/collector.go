// ============================================================================
// Result Collector - accumulates unit results of one coordinator run
// ============================================================================
//
// Package: internal/collector
// File: collector.go
//
// The collector is a pure accumulator. Units are added as they complete (in
// completion order) and the summary is derived on demand:
//
//   successful  items with outcome success
//   failed      items that exhausted retries or hit a non-recoverable error
//   skipped     items never attempted because the unit's breaker was open
//   cancelled   items never completed because the run stopped
//
// Skipped items are not failures of their own: they only reflect the
// circuit-break decision of an earlier item.
//
// ============================================================================

package collector

import (
	"sync"
	"time"

	"github.com/ChuLiYu/track-orchestrator/pkg/types"
)

// Collector gathers UnitResults and call statistics. Safe for concurrent use.
type Collector struct {
	mu         sync.Mutex
	jobID      string
	totalItems int
	units      []types.UnitResult
	stats      types.CallStats
	errors     []string
	startedAt  time.Time
	now        func() time.Time
}

// New creates a collector for a run that declared totalItems items.
func New(jobID string, totalItems int) *Collector {
	return &Collector{
		jobID:      jobID,
		totalItems: totalItems,
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// JobID returns the run identifier.
func (c *Collector) JobID() string {
	return c.jobID
}

// Add records a completed unit.
func (c *Collector) Add(unit types.UnitResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, unit)
}

// MergeCallStats adds stats into the run totals.
func (c *Collector) MergeCallStats(stats types.CallStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Merge(stats)
}

// AddError records a run-level error message (job timeout, worker panic).
func (c *Collector) AddError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, msg)
}

// Units returns the number of units added so far.
func (c *Collector) Units() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.units)
}

// Has reports whether a unit with the given ID was added.
func (c *Collector) Has(id types.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.units {
		if u.UnitID == id {
			return true
		}
	}
	return false
}

// Summary derives the totals of every unit added so far.
func (c *Collector) Summary() types.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked(c.now())
}

func (c *Collector) summaryLocked(now time.Time) types.Summary {
	s := types.Summary{
		UnitsTotal: len(c.units),
		CallStats:  c.stats,
		Duration:   now.Sub(c.startedAt),
	}

	var processed int
	var itemTime time.Duration
	seen := 0
	for _, unit := range c.units {
		success := unit.Count(types.OutcomeSuccess)
		switch {
		case success == len(unit.Items):
			s.UnitsSucceeded++
		case success > 0:
			s.UnitsPartial++
		default:
			s.UnitsFailed++
		}
		if unit.CircuitBroken {
			s.UnitsBroken++
		}

		for _, item := range unit.Items {
			seen++
			switch item.Outcome {
			case types.OutcomeSuccess:
				s.Successful++
			case types.OutcomeFailure:
				s.Failed++
			case types.OutcomeSkipped:
				s.Skipped++
			case types.OutcomeCancelled:
				s.Cancelled++
			}
			if item.Outcome == types.OutcomeSuccess || item.Outcome == types.OutcomeFailure {
				processed++
				itemTime += item.Duration
			}
		}
	}

	s.ItemsTotal = c.totalItems
	if seen > s.ItemsTotal {
		s.ItemsTotal = seen
	}
	if s.ItemsTotal > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.ItemsTotal)
	}
	if processed > 0 {
		s.AverageItemTime = itemTime / time.Duration(processed)
	}
	return s
}

// Result builds the aggregate result. Units are copied; the collector may
// keep accumulating afterwards without affecting the returned value.
func (c *Collector) Result(state types.State) *types.AggregateResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	units := make([]types.UnitResult, len(c.units))
	copy(units, c.units)
	var errs []string
	if len(c.errors) > 0 {
		errs = append(errs, c.errors...)
	}

	return &types.AggregateResult{
		JobID:       c.jobID,
		State:       state,
		Units:       units,
		Summary:     c.summaryLocked(now),
		Errors:      errs,
		StartedAt:   c.startedAt,
		CompletedAt: now,
	}
}
