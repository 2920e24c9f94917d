package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/admission"
	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestCollector swaps the default registerer so every test starts clean.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	return NewCollector(), reg
}

// value returns the value of the metric with the given name and label pair
// (empty label matches a metric without labels).
func value(t *testing.T, reg *prometheus.Registry, name, label, labelValue string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" {
				matched := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == label && lp.GetValue() == labelValue {
						matched = true
					}
				}
				if !matched {
					continue
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

// ============================================================================
// Event Tests
// ============================================================================

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.jobsStarted)
	assert.NotNil(t, collector.itemsCompleted)
	assert.NotNil(t, collector.itemDuration)
	assert.NotNil(t, collector.slotsLive)
}

func TestHandleEventCountsItems(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.HandleEvent(progress.JobStarted("job-1", 1, 3))
	collector.HandleEvent(progress.ItemCompleted("job-1", "u1", types.ItemResult{ItemID: "a", Outcome: types.OutcomeSuccess, Duration: 20 * time.Millisecond}))
	collector.HandleEvent(progress.ItemCompleted("job-1", "u1", types.ItemResult{ItemID: "b", Outcome: types.OutcomeFailure, Duration: time.Second}))
	collector.HandleEvent(progress.ItemCompleted("job-1", "u1", types.ItemResult{ItemID: "c", Outcome: types.OutcomeSkipped}))
	collector.HandleEvent(progress.ItemRetry("job-1", "u1", "b", 2, time.Second, errors.New("timeout")))
	collector.HandleEvent(progress.CircuitBroken("job-1", "u1", "breaker open"))
	collector.HandleEvent(progress.Error("job-1", "u1", errors.New("item b failed")))

	assert.Equal(t, 1.0, value(t, reg, "orchestrator_jobs_started_total", "", ""))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_items_completed_total", "outcome", "success"))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_items_completed_total", "outcome", "failure"))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_items_completed_total", "outcome", "skipped"))
	assert.Equal(t, 2.0, value(t, reg, "orchestrator_item_duration_seconds", "", ""), "skipped items are not timed")
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_item_retries_total", "", ""))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_circuit_breaks_total", "", ""))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_errors_total", "", ""))
}

func TestHandleEventUnitsAndJobs(t *testing.T) {
	collector, reg := newTestCollector(t)

	full := types.UnitResult{UnitID: "a", Items: []types.ItemResult{{Outcome: types.OutcomeSuccess}}}
	partial := types.UnitResult{UnitID: "b", Items: []types.ItemResult{{Outcome: types.OutcomeSuccess}, {Outcome: types.OutcomeFailure}}}
	failed := types.UnitResult{UnitID: "c", Items: []types.ItemResult{{Outcome: types.OutcomeSkipped}}}

	collector.HandleEvent(progress.UnitCompleted("job-1", full))
	collector.HandleEvent(progress.UnitCompleted("job-1", partial))
	collector.HandleEvent(progress.UnitCompleted("job-1", failed))
	collector.HandleEvent(progress.JobCompleted("job-1", &types.AggregateResult{State: types.StateCancelled}))

	assert.Equal(t, 1.0, value(t, reg, "orchestrator_units_completed_total", "outcome", "succeeded"))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_units_completed_total", "outcome", "partial"))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_units_completed_total", "outcome", "failed"))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_jobs_completed_total", "state", "cancelled"))
}

func TestHandleEventThroughBus(t *testing.T) {
	collector, reg := newTestCollector(t)
	bus := progress.NewBus(nil)
	bus.Subscribe(collector.HandleEvent)

	for i := 0; i < 5; i++ {
		bus.Publish(progress.ItemCompleted("job-1", "u1", types.ItemResult{Outcome: types.OutcomeSuccess}))
	}
	assert.Equal(t, 5.0, value(t, reg, "orchestrator_items_completed_total", "outcome", "success"))
}

// ============================================================================
// Admission Tests
// ============================================================================

func TestRecordAdmission(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.RecordAdmission(admission.Stats{
		Track:      admission.PoolStats{Live: 2, Queued: 1, Limit: 2},
		Call:       admission.PoolStats{Live: 4, Queued: 7, Limit: 5},
		Multiplier: 0.9,
	})

	assert.Equal(t, 2.0, value(t, reg, "orchestrator_slots_live", "kind", "track"))
	assert.Equal(t, 1.0, value(t, reg, "orchestrator_slots_queued", "kind", "track"))
	assert.Equal(t, 4.0, value(t, reg, "orchestrator_slots_live", "kind", "call"))
	assert.Equal(t, 7.0, value(t, reg, "orchestrator_slots_queued", "kind", "call"))
	assert.Equal(t, 5.0, value(t, reg, "orchestrator_slots_limit", "kind", "call"))
	assert.InDelta(t, 0.9, value(t, reg, "orchestrator_throttle_multiplier", "", ""), 1e-9)
}

func TestPollAdmissionStopsOnCancel(t *testing.T) {
	collector, reg := newTestCollector(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		collector.PollAdmission(ctx, 5*time.Millisecond, func() admission.Stats {
			return admission.Stats{Call: admission.PoolStats{Limit: 6}, Multiplier: 1}
		})
	}()

	require.Eventually(t, func() bool {
		return value(t, reg, "orchestrator_slots_limit", "kind", "call") == 6
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PollAdmission did not stop")
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, reg := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordItem(types.ItemResult{Outcome: types.OutcomeSuccess, Duration: time.Millisecond})
			collector.RecordAdmission(admission.Stats{Multiplier: 1})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, value(t, reg, "orchestrator_items_completed_total", "outcome", "success"))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	newTestCollector(t)
	assert.Panics(t, func() { NewCollector() }, "metrics register once per registry")
}
