// ============================================================================
// Coordinator Worker - unit execution loop
// ============================================================================
//
// Package: internal/coordinator
// File: worker.go
// Function: one goroutine per concurrent unit, pulling units from the shared
//           queue until it is empty or the run is stopped
//
// Loop:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  for {                                   │
//   │    ├─ stopped?            -> exit        │
//   │    ├─ acquire track slot  (wait, retry)  │
//   │    ├─ pop next unit       none -> exit   │
//   │    ├─ unit.Processor.Run                 │
//   │    ├─ collector.Add + MergeCallStats     │
//   │    └─ release track slot                 │
//   │  }                                       │
//   └──────────────────────────────────────────┘
//
// A refused track slot is expected while the pool is saturated: the worker
// waits TrackRetryDelay inside Acquire and tries again.
//
// A panic while running a unit releases the slot, is reported on the bus and
// aborts the whole run cooperatively.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ChuLiYu/track-orchestrator/internal/admission"
	"github.com/ChuLiYu/track-orchestrator/internal/unit"
)

// Worker runs units of one coordinator run.
type Worker struct {
	id  int
	run *runState
}

func newWorker(id int, run *runState) *Worker {
	return &Worker{id: id, run: run}
}

// Run is the worker main loop. It returns when the queue is empty or the
// run is stopped.
func (w *Worker) Run(ctx context.Context) {
	tag := fmt.Sprintf("worker-%d", w.id)
	for {
		if ctx.Err() != nil {
			return
		}

		slot, err := w.run.admission.Acquire(ctx, admission.KindTrack, tag, w.run.cfg.TrackRetryDelay)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, admission.ErrReset) {
				return
			}
			w.run.logger.Debug("Track slot unavailable, retrying", "worker", w.id, "error", err)
			continue
		}

		if !w.step(ctx, slot) {
			return
		}
	}
}

// step runs one unit while holding the track slot. It reports whether the
// worker should keep going.
func (w *Worker) step(ctx context.Context, slot *admission.Slot) (more bool) {
	defer func() {
		if err := w.run.admission.Release(slot.ID, false); err != nil {
			w.run.logger.Warn("Failed to release track slot", "worker", w.id, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			w.run.fail(fmt.Errorf("worker %d panicked: %v", w.id, r), debug.Stack())
			more = false
		}
	}()

	job, ok := w.run.queue.pop()
	if !ok {
		return false
	}

	processor := unit.New(w.run.unitConfig(), unit.Deps{
		Admission: w.run.admission,
		Scorer:    w.run.scorer,
		Analyzer:  w.run.analyzer,
		Events:    w.run.bus,
		JobID:     w.run.jobID,
	}, unit.WithLogger(w.run.logger.With(slog.Int("worker", w.id))), unit.WithSleeper(w.run.sleep))

	result := processor.Run(ctx, job)
	w.run.collector.Add(result)
	w.run.collector.MergeCallStats(result.CallStats)
	return true
}
