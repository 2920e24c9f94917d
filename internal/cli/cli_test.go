package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/coordinator"
	"github.com/ChuLiYu/track-orchestrator/internal/report"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testConfigYAML = `
orchestrator:
  max_concurrent_units: 2
  max_concurrent_calls: 4
  max_retries: 1
  retry_delays: [1ms]
  circuit_breaker_threshold: 3
  rate_limit_per_minute: 0
  adaptive_throttling: false
  item_timeout: 2s
  job_timeout: 30s
  track_retry_delay: 5ms

simulation:
  failure_rate: 0
  max_latency: 1ms
  seed: 42

metrics:
  enabled: false

health:
  enabled: false

log:
  level: warn
`

const testJobsJSON = `[
  {"id": "track-a", "priority": 2, "items": [{"id": "r1"}, {"id": "r2"}]},
  {"id": "track-b", "priority": 1, "items": [{"id": "r1", "payload": {"entrants": ["a", "b", "c"]}}]}
]`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// ============================================================================
// Command structure
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "orchestrator", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"], "Should have 'run' command")
	assert.True(t, names["status"], "Should have 'status' command")
	assert.True(t, names["validate"], "Should have 'validate' command")
	assert.True(t, names["journal"], "Should have 'journal' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand(&globalOptions{})

	assert.Equal(t, "run", cmd.Use)
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)
	for _, name := range []string{"report", "units", "calls", "rate"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
}

// ============================================================================
// Config
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", testConfigYAML)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Orchestrator.MaxConcurrentUnits)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrentCalls)
	assert.Equal(t, []time.Duration{time.Millisecond}, cfg.Orchestrator.RetryDelays)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.ItemTimeout)
	assert.False(t, cfg.Orchestrator.AdaptiveThrottling)
	assert.Equal(t, int64(42), cfg.Simulation.Seed)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_DefaultsForMissingFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "metrics:\n  enabled: true\n")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, coordinator.DefaultConfig(), cfg.Orchestrator)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.yaml", "orchestrator: [not, a, map")
	_, err = loadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Simulation.FailureRate = 2
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Orchestrator.MaxConcurrentCalls = 0
	assert.ErrorIs(t, cfg.Validate(), coordinator.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	logger, err = newLogger(&buf, "error", "text")
	require.NoError(t, err)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))

	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

// ============================================================================
// Jobs
// ============================================================================

func TestLoadJobs(t *testing.T) {
	dir := t.TempDir()

	jobs, err := loadJobs(writeFile(t, dir, "jobs.json", testJobsJSON))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, types.JobID("track-a"), jobs[0].ID)
	assert.Equal(t, 2, jobs[0].Priority)
	assert.Equal(t, 3, countItems(jobs))

	yamlJobs := "- id: t1\n  items:\n    - id: r1\n    - id: r2\n"
	jobs, err = loadJobs(writeFile(t, dir, "jobs.yaml", yamlJobs))
	require.NoError(t, err)
	assert.Len(t, jobs[0].Items, 2)

	_, err = loadJobs(writeFile(t, dir, "dup.json", `[{"id": "a"}, {"id": "a"}]`))
	assert.ErrorIs(t, err, coordinator.ErrInvalidJob)

	_, err = loadJobs(writeFile(t, dir, "broken.json", `[{"id": `))
	assert.Error(t, err)
}

// ============================================================================
// Commands end to end
// ============================================================================

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", testConfigYAML)
	jobsPath := writeFile(t, dir, "jobs.json", testJobsJSON)

	out, err := execute(t, "validate", "-c", cfgPath, "-f", jobsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "config "+cfgPath+": ok")
	assert.Contains(t, out, "(2 tracks, 3 races)")

	badJobs := writeFile(t, dir, "bad.json", `[]`)
	_, err = execute(t, "validate", "-c", cfgPath, "-f", badJobs)
	assert.ErrorIs(t, err, coordinator.ErrInvalidJob)
}

func TestRunCommandWritesReport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", testConfigYAML)
	jobsPath := writeFile(t, dir, "jobs.json", testJobsJSON)
	reportPath := filepath.Join(dir, "out", "report.json")

	out, err := execute(t, "run", "-c", cfgPath, "-f", jobsPath, "--report", reportPath, "--units", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Running 2 tracks (3 races)")
	assert.Contains(t, out, "finished: completed")
	assert.Contains(t, out, "Report written to")

	doc, err := report.NewWriter(reportPath).Load()
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, doc.Result.State)
	assert.Equal(t, 3, doc.Result.Summary.Successful)
	require.Len(t, doc.Result.Units, 2)
	assert.Equal(t, types.JobID("track-b"), doc.Result.Units[0].UnitID, "lower priority value runs first")

	status, err := execute(t, "status", "-c", cfgPath, "--report", reportPath)
	require.NoError(t, err)
	assert.Contains(t, status, "Units / Calls:    2 / 4")
	assert.Contains(t, status, "Last run")
	assert.Contains(t, status, doc.Result.JobID)
}

func TestRunCommandRequiresFile(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", testConfigYAML)
	_, err := execute(t, "run", "-c", cfgPath)
	assert.Error(t, err)
}

func TestStatusWithoutReport(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", testConfigYAML)
	out, err := execute(t, "status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no report path configured")
	assert.Contains(t, out, "Metrics: disabled")
}

// ============================================================================
// journal
// ============================================================================

func TestRunCommandJournalsEvents(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "data", "events.jsonl")
	cfgPath := writeFile(t, dir, "config.yaml", testConfigYAML+
		"\njournal:\n  enabled: true\n  path: "+journalPath+"\n")
	jobsPath := writeFile(t, dir, "jobs.json", testJobsJSON)

	_, err := execute(t, "run", "-c", cfgPath, "-f", jobsPath)
	require.NoError(t, err)
	_, err = execute(t, "run", "-c", cfgPath, "-f", jobsPath)
	require.NoError(t, err)

	out, err := execute(t, "journal", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 runs")
	assert.Equal(t, 2, strings.Count(out, ": completed (success 3, failure 0"))

	verbose, err := execute(t, "journal", "-c", cfgPath, "-f", journalPath, "-v")
	require.NoError(t, err)
	assert.Contains(t, verbose, "item.completed")
}

func TestJournalCommandMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", testConfigYAML)

	_, err := execute(t, "journal", "-c", cfgPath, "-f", filepath.Join(dir, "absent.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigValidateJournalPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = ""
	assert.Error(t, cfg.Validate())
}
