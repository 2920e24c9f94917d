package coordinator

// ============================================================================
// Coordinator Test File
// Purpose: Verify run lifecycle, priority ordering, cancellation, timeout and
//          graceful degradation of the coordinator
// ============================================================================

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/analyzer"
	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryDelays = []time.Duration{time.Millisecond}
	cfg.CircuitBreakerThreshold = 3
	cfg.RateLimitPerMinute = 0
	cfg.AdaptiveThrottling = false
	cfg.ItemTimeout = 2 * time.Second
	cfg.JobTimeout = 0
	cfg.TrackRetryDelay = 10 * time.Millisecond
	return cfg
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func makeJobs(n, items int) []types.Job {
	jobs := make([]types.Job, 0, n)
	for i := 0; i < n; i++ {
		job := types.Job{ID: types.JobID(fmt.Sprintf("track-%d", i))}
		for j := 0; j < items; j++ {
			job.Items = append(job.Items, types.WorkItem{ID: fmt.Sprintf("race-%d", j)})
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func okAnalyzer() analyzer.Analyzer {
	return analyzer.AnalyzerFunc(func(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
		return &types.AnalysisResult{Content: "ok"}, nil
	})
}

func newTestCoordinator(t *testing.T, cfg Config, a analyzer.Analyzer) *Coordinator {
	t.Helper()
	c, err := New(cfg, analyzer.SimulatedScorer{FieldSize: 4}, a, WithSleeper(noSleep))
	require.NoError(t, err)
	return c
}

// ============================================================================
// Construction and validation
// ============================================================================

func TestNewValidates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentUnits = 0
	_, err := New(cfg, analyzer.SimulatedScorer{}, okAnalyzer())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(testConfig(), nil, okAnalyzer())
	assert.ErrorIs(t, err, ErrMissingCollaborator)

	c, err := New(testConfig(), analyzer.SimulatedScorer{}, okAnalyzer())
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, c.Status().State)
}

func TestRunRejectsInvalidJobs(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), okAnalyzer())

	_, err := c.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidJob)

	dup := []types.Job{{ID: "a"}, {ID: "a"}}
	_, err = c.Run(context.Background(), dup)
	assert.ErrorIs(t, err, ErrInvalidJob)

	dupItems := []types.Job{{ID: "a", Items: []types.WorkItem{{ID: "x"}, {ID: "x"}}}}
	_, err = c.Run(context.Background(), dupItems)
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = c.Run(context.Background(), []types.Job{{ID: ""}})
	assert.ErrorIs(t, err, ErrInvalidJob)

	// invalid batches do not consume the coordinator
	_, err = c.Run(context.Background(), makeJobs(1, 1))
	assert.NoError(t, err)
}

// ============================================================================
// Run tests
// ============================================================================

func TestRunProcessesEveryItem(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), okAnalyzer())

	var events []progress.EventType
	var mu sync.Mutex
	res, err := c.Run(context.Background(), makeJobs(4, 3), func(e progress.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleted, res.State)
	assert.NotEmpty(t, res.JobID)
	assert.Len(t, res.Units, 4)
	assert.Equal(t, 12, res.Summary.ItemsTotal)
	assert.Equal(t, 12, res.Summary.Successful)
	assert.Equal(t, 4, res.Summary.UnitsSucceeded)
	assert.Equal(t, 12, res.Summary.CallStats.Successes)
	assert.InDelta(t, 1.0, res.Summary.SuccessRate, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, progress.EventJobStarted, events[0])
	assert.Equal(t, progress.EventJobCompleted, events[len(events)-1])

	status := c.Status()
	assert.False(t, status.Active)
	assert.Equal(t, types.StateCompleted, status.State)
	assert.Equal(t, 4, status.UnitsComplete)
	assert.Equal(t, 12, status.ItemsProcessed)
	assert.Equal(t, res.JobID, status.JobID)
}

func TestGracefulDegradation(t *testing.T) {
	a := analyzer.AnalyzerFunc(func(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
		if item.Payload["track"] == "bad" {
			return nil, analyzer.NewError(analyzer.KindNetworkError, "upstream unavailable")
		}
		return &types.AnalysisResult{Content: "ok"}, nil
	})
	jobs := makeJobs(3, 5)
	for i := range jobs[1].Items {
		jobs[1].Items[i].Payload = map[string]any{"track": "bad"}
	}

	c := newTestCoordinator(t, testConfig(), a)
	res, err := c.Run(context.Background(), jobs)
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleted, res.State)
	assert.Equal(t, 10, res.Summary.Successful)
	assert.Equal(t, 3, res.Summary.Failed)
	assert.Equal(t, 2, res.Summary.Skipped)
	assert.Equal(t, 1, res.Summary.UnitsBroken)
	assert.Equal(t, 2, res.Summary.UnitsSucceeded)
	assert.Equal(t, 1, res.Summary.UnitsFailed)
}

func TestUnitConcurrencyIsBounded(t *testing.T) {
	var live, peak atomic.Int32
	a := analyzer.AnalyzerFunc(func(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
		n := live.Add(1)
		defer live.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &types.AnalysisResult{Content: "ok"}, nil
	})

	cfg := testConfig()
	cfg.MaxConcurrentUnits = 2
	c := newTestCoordinator(t, cfg, a)
	res, err := c.Run(context.Background(), makeJobs(6, 3))
	require.NoError(t, err)

	assert.Equal(t, 18, res.Summary.Successful)
	assert.LessOrEqual(t, peak.Load(), int32(2), "items of one unit are sequential")
	assert.LessOrEqual(t, c.AdmissionStats().Track.PeakLive, 2)
	assert.Equal(t, 0, c.AdmissionStats().Track.Live)
}

func TestPriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentUnits = 1
	c := newTestCoordinator(t, cfg, okAnalyzer())

	jobs := []types.Job{
		{ID: "unset", Items: []types.WorkItem{{ID: "r1"}}},
		{ID: "third", Priority: 3, Items: []types.WorkItem{{ID: "r1"}}},
		{ID: "first", Priority: 1, Items: []types.WorkItem{{ID: "r1"}}},
		{ID: "second-a", Priority: 2, Items: []types.WorkItem{{ID: "r1"}}},
		{ID: "second-b", Priority: 2, Items: []types.WorkItem{{ID: "r1"}}},
		{ID: "urgent", Priority: -1, Items: []types.WorkItem{{ID: "r1"}}},
	}

	var order []types.JobID
	res, err := c.Run(context.Background(), jobs, progress.Callbacks{
		OnUnitStart: func(unitID types.JobID, items int) { order = append(order, unitID) },
	}.Listener())
	require.NoError(t, err)

	assert.Equal(t, []types.JobID{"urgent", "first", "second-a", "second-b", "third", "unset"}, order)
	assert.Equal(t, types.JobID("urgent"), res.Units[0].UnitID)
}

// ============================================================================
// Cancellation and timeout
// ============================================================================

func TestCancelAfterFirstUnit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentUnits = 1
	c := newTestCoordinator(t, cfg, okAnalyzer())

	var once sync.Once
	res, err := c.Run(context.Background(), makeJobs(5, 4), progress.Callbacks{
		OnUnitComplete: func(unit types.UnitResult) { once.Do(c.Cancel) },
	}.Listener())
	require.NoError(t, err)

	s := res.Summary
	assert.Less(t, s.Successful+s.Failed+s.Skipped, 20)
	assert.Equal(t, 20, s.Successful+s.Failed+s.Skipped+s.Cancelled, "every item is accounted for")
	assert.Len(t, res.Units, 5)
	assert.Equal(t, types.StateCancelled, res.State)
	assert.Equal(t, types.StateCancelled, c.Status().State)
}

func TestParentContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := analyzer.AnalyzerFunc(func(c context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
		cancel()
		return &types.AnalysisResult{Content: "ok"}, nil
	})

	c := newTestCoordinator(t, testConfig(), a)
	res, err := c.Run(ctx, makeJobs(3, 3))
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, res.State)
	assert.Greater(t, res.Summary.Cancelled, 0)
}

func TestJobTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	a := analyzer.AnalyzerFunc(func(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &types.AnalysisResult{Content: "ok"}, nil
	})

	c := newTestCoordinator(t, cfg, a)
	res, err := c.Run(context.Background(), makeJobs(1, 20))
	require.NoError(t, err)

	assert.Equal(t, types.StateCancelled, res.State)
	assert.Greater(t, res.Summary.Cancelled, 0)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "job timeout")
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), okAnalyzer())
	assert.NotPanics(t, c.Cancel)
	assert.Equal(t, types.StateIdle, c.Status().State)
}

// ============================================================================
// Failure handling
// ============================================================================

func TestScorerPanicReturnsPartialResult(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentUnits = 1
	scorer := analyzer.ScorerFunc(func(item types.WorkItem) []types.RankedScore {
		if item.Payload["explode"] == true {
			panic("scorer exploded")
		}
		return nil
	})
	c, err := New(cfg, scorer, okAnalyzer(), WithSleeper(noSleep))
	require.NoError(t, err)

	jobs := makeJobs(3, 2)
	jobs[1].Items[0].Payload = map[string]any{"explode": true}

	var errorsSeen atomic.Int32
	res, err := c.Run(context.Background(), jobs, progress.Callbacks{
		OnError: func(unitID types.JobID, err error) { errorsSeen.Add(1) },
	}.Listener())
	require.NoError(t, err, "panics never reach the caller")
	require.NotNil(t, res)

	assert.Equal(t, types.StateFailed, res.State)
	assert.Len(t, res.Units, 3)
	assert.Equal(t, 2, res.Summary.Successful)
	assert.Equal(t, 4, res.Summary.Cancelled)
	require.NotEmpty(t, res.Errors)
	assert.True(t, strings.Contains(res.Errors[0], "scorer exploded"))
	assert.Equal(t, int32(1), errorsSeen.Load())
	assert.Equal(t, 0, c.AdmissionStats().Track.Live, "the track slot is released on panic")
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestRunRequiresReset(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), okAnalyzer())

	_, err := c.Run(context.Background(), makeJobs(1, 1))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), makeJobs(1, 1))
	assert.ErrorIs(t, err, ErrNotReset)

	require.NoError(t, c.Reset())
	assert.Equal(t, types.StateIdle, c.Status().State)

	res, err := c.Run(context.Background(), makeJobs(1, 1))
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, res.State)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	release := make(chan struct{})
	a := analyzer.AnalyzerFunc(func(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
		<-release
		return &types.AnalysisResult{Content: "ok"}, nil
	})
	c := newTestCoordinator(t, testConfig(), a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Run(context.Background(), makeJobs(1, 1))
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return c.Status().Active }, time.Second, 5*time.Millisecond)

	_, err := c.Run(context.Background(), makeJobs(1, 1))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, c.Reset(), ErrAlreadyRunning)

	close(release)
	<-done
	assert.NoError(t, c.Reset())
}

func TestStatusIsACopy(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), okAnalyzer())
	_, err := c.Run(context.Background(), makeJobs(2, 2))
	require.NoError(t, err)

	s := c.Status()
	s.UnitsComplete = 99
	s.State = types.StateFailed
	assert.Equal(t, 2, c.Status().UnitsComplete)
	assert.Equal(t, types.StateCompleted, c.Status().State)
}

func TestUpdateConfig(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), okAnalyzer())

	zero := 0
	assert.ErrorIs(t, c.UpdateConfig(ConfigUpdate{MaxConcurrentCalls: &zero}), ErrInvalidConfig)
	assert.Equal(t, 6, c.Config().MaxConcurrentCalls, "a rejected update changes nothing")

	calls, retries := 3, 5
	require.NoError(t, c.UpdateConfig(ConfigUpdate{MaxConcurrentCalls: &calls, MaxRetries: &retries}))
	assert.Equal(t, 3, c.Config().MaxConcurrentCalls)
	assert.Equal(t, 5, c.Config().MaxRetries)
	assert.Equal(t, 3, c.AdmissionStats().Call.Limit)
}

func TestConfigReturnsCopy(t *testing.T) {
	c := newTestCoordinator(t, testConfig(), okAnalyzer())
	cfg := c.Config()
	cfg.RetryDelays[0] = time.Hour
	assert.Equal(t, time.Millisecond, c.Config().RetryDelays[0])
}
