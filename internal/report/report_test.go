package report

// ============================================================================
// Report Writer Test File
// Purpose: Verify atomic writes, both formats, version checks and backups
// ============================================================================

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *types.AggregateResult {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &types.AggregateResult{
		JobID: "job-123",
		State: types.StateCompleted,
		Units: []types.UnitResult{{
			UnitID: "track-a",
			Items: []types.ItemResult{
				{ItemID: "r1", Outcome: types.OutcomeSuccess, Attempts: 1, Duration: 1500 * time.Millisecond,
					Analysis: &types.AnalysisResult{Content: "pick 3", Picks: []string{"runner-3"}}},
				{ItemID: "r2", Outcome: types.OutcomeSkipped, SkipReason: "circuit open"},
			},
			CircuitBroken:      true,
			CircuitBreakReason: "circuit open",
			StartedAt:          start,
			CompletedAt:        start.Add(2 * time.Second),
		}},
		Summary: types.Summary{
			UnitsTotal: 1, ItemsTotal: 2, Successful: 1, Skipped: 1,
			SuccessRate: 0.5, Duration: 2 * time.Second,
		},
		StartedAt:   start,
		CompletedAt: start.Add(2 * time.Second),
	}
}

// ============================================================================
// Write / Load
// ============================================================================

func TestWriteAndLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	w := NewWriter(path)
	assert.Equal(t, FormatJSON, FormatFor(path))
	assert.False(t, w.Exists())

	require.NoError(t, w.Write(sampleResult()))
	assert.True(t, w.Exists())

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")

	doc, err := w.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, doc.SchemaVer)
	assert.Equal(t, sampleResult(), doc.Result)
}

func TestWriteAndLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.yaml")
	w := NewWriter(path)
	assert.Equal(t, FormatYAML, FormatFor(path))

	require.NoError(t, w.Write(sampleResult()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "job_id: job-123")

	doc, err := w.Load()
	require.NoError(t, err)
	want := sampleResult()
	assert.Equal(t, want.JobID, doc.Result.JobID)
	assert.Equal(t, want.State, doc.Result.State)
	assert.Equal(t, want.Summary, doc.Result.Summary)
	require.Len(t, doc.Result.Units, 1)
	assert.Equal(t, 1500*time.Millisecond, doc.Result.Units[0].Items[0].Duration)
	assert.Equal(t, "circuit open", doc.Result.Units[0].CircuitBreakReason)
}

func TestWriteNilResult(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "report.json"))
	assert.ErrorIs(t, w.Write(nil), ErrNilResult)
}

func TestLoadMissing(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "missing.json"))
	_, err := w.Load()
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewWriter(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedReport)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 7, "result": {"job_id": "x"}}`), 0o644))

	_, err := NewWriter(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// ============================================================================
// Backups
// ============================================================================

func TestWriteWithBackupKeepsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	w := NewWriter(path)

	for i := 0; i < 4; i++ {
		res := sampleResult()
		res.JobID = string(rune('a' + i))
		require.NoError(t, w.WriteWithBackup(res, 2))
	}

	backups, err := w.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	doc, err := w.Load()
	require.NoError(t, err)
	assert.Equal(t, "d", doc.Result.JobID, "the newest result is the live report")
}
