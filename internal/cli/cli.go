// ============================================================================
// Track Orchestrator CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra commands driving the coordinator with simulated analyzers
//
// Command Structure:
//   orchestrator                   # Root command
//   ├── run                        # Run a batch of jobs
//   │   ├── --file, -f            # Job file (JSON or YAML)
//   │   ├── --report              # Write the aggregate result
//   │   └── --units/--calls/--rate # Override admission limits
//   ├── status                     # Show configuration and last report
//   ├── validate                   # Check config and job file
//   ├── journal                    # Replay the event journal
//   ├── --config, -c              # Config file (default configs/default.yaml)
//   └── --log-level/--log-format  # slog handler settings
//
// run Command:
//   1. Load config, apply flag overrides
//   2. Build the coordinator (simulated scorer and analyzer)
//   3. Start metrics and health servers and the journal when enabled
//   4. Run until done; SIGINT/SIGTERM cancel cooperatively
//   5. Print the summary and write the report
//
//   Examples:
//     ./orchestrator run -f jobs.json
//     ./orchestrator run -f jobs.yaml --report out/report.json --units 4
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/analyzer"
	"github.com/ChuLiYu/track-orchestrator/internal/coordinator"
	"github.com/ChuLiYu/track-orchestrator/internal/journal"
	"github.com/ChuLiYu/track-orchestrator/internal/metrics"
	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/internal/report"
	"github.com/ChuLiYu/track-orchestrator/internal/server"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

// BuildCLI creates the root command.
func BuildCLI() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Track orchestrator: bounded, fault-tolerant batch analysis",
		Long: `The track orchestrator runs batches of tracks with:
- bounded track and call concurrency
- rate limiting and adaptive throttling
- per-item retries and per-track circuit breakers
- Prometheus metrics and gRPC health checks`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (text, json); overrides config")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildValidateCommand(opts))
	rootCmd.AddCommand(buildJournalCommand(opts))

	return rootCmd
}

// setup loads the config and builds the logger.
func (o *globalOptions) setup(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	jobFile    string
	reportPath string
	units      int
	calls      int
	rate       int
}

func buildRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run over the jobs in a file",
		Long:  "Run every track in the job file through the coordinator and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("units") {
				cfg.Orchestrator.MaxConcurrentUnits = opts.units
			}
			if cmd.Flags().Changed("calls") {
				cfg.Orchestrator.MaxConcurrentCalls = opts.calls
			}
			if cmd.Flags().Changed("rate") {
				cfg.Orchestrator.RateLimitPerMinute = opts.rate
			}
			if opts.reportPath != "" {
				cfg.Report.Path = opts.reportPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			_, err = runJobs(ctx, cfg, opts.jobFile, logger, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.jobFile, "file", "f", "", "job file (JSON or YAML)")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "write the aggregate result to this path (.json or .yaml)")
	cmd.Flags().IntVar(&opts.units, "units", 0, "max concurrent units")
	cmd.Flags().IntVar(&opts.calls, "calls", 0, "max concurrent analyzer calls")
	cmd.Flags().IntVar(&opts.rate, "rate", 0, "analyzer calls per minute (0 disables)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// runJobs executes one batch end to end.
func runJobs(ctx context.Context, cfg *Config, jobFile string, logger *slog.Logger, out io.Writer) (*types.AggregateResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	jobs, err := loadJobs(jobFile)
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(cfg.Orchestrator,
		analyzer.SimulatedScorer{FieldSize: cfg.Simulation.FieldSize},
		analyzer.NewSimulatedAnalyzer(cfg.simulatedConfig()),
		coordinator.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	svcCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		coord.Subscribe(collector.HandleEvent)
		go collector.PollAdmission(svcCtx, time.Second, coord.AdmissionStats)
		go func() {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(svcCtx, cfg.Metrics.Port); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	if cfg.Health.Enabled {
		health := server.NewServer(coord, logger)
		coord.Subscribe(health.HandleEvent)
		go func() {
			if err := health.ListenAndServe(svcCtx, cfg.Health.Port); err != nil {
				logger.Error("Health server error", "error", err)
			}
		}()
	}

	if cfg.Journal.Enabled {
		jopts := journal.DefaultOptions()
		jopts.Logger = logger
		j, err := journal.Open(cfg.Journal.Path, jopts)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Error("Failed to close journal", "error", err)
			}
		}()
		coord.Subscribe(j.HandleEvent)
		logger.Info("Journaling events", "path", j.Path(), "last_seq", j.LastSeq())
	}

	fmt.Fprintf(out, "Running %d tracks (%d races)\n", len(jobs), countItems(jobs))
	result, err := coord.Run(ctx, jobs, progress.Callbacks{
		OnUnitComplete: func(unit types.UnitResult) {
			line := fmt.Sprintf("  ✓ %-20s success=%d failed=%d skipped=%d cancelled=%d",
				unit.UnitID,
				unit.Count(types.OutcomeSuccess),
				unit.Count(types.OutcomeFailure),
				unit.Count(types.OutcomeSkipped),
				unit.Count(types.OutcomeCancelled))
			if unit.CircuitBroken {
				line += " (circuit broken)"
			}
			fmt.Fprintln(out, line)
		},
		OnWarning: func(unitID types.JobID, message string) {
			logger.Warn("Run warning", "unit", unitID, "message", message)
		},
	}.Listener())
	if err != nil {
		return nil, err
	}

	printSummary(out, result)

	if cfg.Report.Path != "" {
		w := report.NewWriter(cfg.Report.Path)
		if err := w.WriteWithBackup(result, cfg.Report.Backups); err != nil {
			return result, fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintf(out, "Report written to %s\n", w.Path())
	}
	return result, nil
}

func printSummary(out io.Writer, result *types.AggregateResult) {
	s := result.Summary
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Job %s finished: %s\n", result.JobID, result.State)
	fmt.Fprintf(out, "  ├─ Units:      %d (succeeded %d, partial %d, failed %d, broken %d)\n",
		s.UnitsTotal, s.UnitsSucceeded, s.UnitsPartial, s.UnitsFailed, s.UnitsBroken)
	fmt.Fprintf(out, "  ├─ Items:      %d\n", s.ItemsTotal)
	fmt.Fprintf(out, "  │  ├─ Success:   %d\n", s.Successful)
	fmt.Fprintf(out, "  │  ├─ Failed:    %d\n", s.Failed)
	fmt.Fprintf(out, "  │  ├─ Skipped:   %d\n", s.Skipped)
	fmt.Fprintf(out, "  │  └─ Cancelled: %d\n", s.Cancelled)
	fmt.Fprintf(out, "  ├─ Calls:      %d (retries %d, rate limited %d)\n",
		s.CallStats.Attempts, s.CallStats.Retries, s.CallStats.RateLimited)
	fmt.Fprintf(out, "  ├─ Success:    %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(out, "  └─ Duration:   %s (avg item %s)\n", s.Duration.Round(time.Millisecond), s.AverageItemTime.Round(time.Millisecond))
	for _, msg := range result.Errors {
		fmt.Fprintf(out, "  ! %s\n", msg)
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(global *globalOptions) *cobra.Command {
	var reportPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and last run status",
		Long:  "Display the effective configuration and the summary of the last written report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := global.setup(cmd)
			if err != nil {
				return err
			}
			if reportPath != "" {
				cfg.Report.Path = reportPath
			}
			return showStatus(cmd.OutOrStdout(), global.configFile, cfg)
		},
	}
	cmd.Flags().StringVar(&reportPath, "report", "", "report to read (defaults to report.path)")
	return cmd
}

func showStatus(out io.Writer, configFile string, cfg *Config) error {
	o := cfg.Orchestrator

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:      %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Units / Calls:    %d / %d\n", o.MaxConcurrentUnits, o.MaxConcurrentCalls)
	fmt.Fprintf(out, "  ├─ Retries:          %d %v\n", o.MaxRetries, o.RetryDelays)
	fmt.Fprintf(out, "  ├─ Circuit Breaker:  %d consecutive failures\n", o.CircuitBreakerThreshold)
	fmt.Fprintf(out, "  ├─ Rate Limit:       %d/min (burst %d)\n", o.RateLimitPerMinute, o.RateLimitBurst)
	fmt.Fprintf(out, "  ├─ Throttling:       %t\n", o.AdaptiveThrottling)
	fmt.Fprintf(out, "  └─ Timeouts:         item %s, job %s\n", o.ItemTimeout, o.JobTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Services:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  ├─ Metrics: enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  ├─ Metrics: disabled")
	}
	if cfg.Health.Enabled {
		fmt.Fprintf(out, "  ├─ Health:  enabled on :%d\n", cfg.Health.Port)
	} else {
		fmt.Fprintln(out, "  ├─ Health:  disabled")
	}
	if cfg.Journal.Enabled {
		fmt.Fprintf(out, "  └─ Journal: %s\n", cfg.Journal.Path)
	} else {
		fmt.Fprintln(out, "  └─ Journal: disabled")
	}
	fmt.Fprintln(out)

	if cfg.Report.Path == "" {
		fmt.Fprintln(out, "Last run: no report path configured")
		return nil
	}
	doc, err := report.NewWriter(cfg.Report.Path).Load()
	if err != nil {
		fmt.Fprintf(out, "Last run: unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Last run (%s):\n", doc.GeneratedAt.Format(time.RFC3339))
	printSummary(out, doc.Result)
	return nil
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand(global *globalOptions) *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and an optional job file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := global.setup(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config %s: ok\n", global.configFile)

			if jobFile == "" {
				return nil
			}
			jobs, err := loadJobs(jobFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "jobs %s: ok (%d tracks, %d races)\n", jobFile, len(jobs), countItems(jobs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "job file to validate")
	return cmd
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand(global *globalOptions) *cobra.Command {
	var (
		path    string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Replay the event journal",
		Long:  "Verify every record of the event journal and print per-run totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := global.setup(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Journal.Path
			}
			return replayJournal(cmd.OutOrStdout(), path, verbose)
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "journal to read (defaults to journal.path)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every record")
	return cmd
}

type runTally struct {
	jobID    string
	state    string
	outcomes map[string]int
	retries  int
	errors   int
}

func replayJournal(out io.Writer, path string, verbose bool) error {
	var (
		runs  []*runTally
		byID  = make(map[string]*runTally)
		total int
	)

	err := journal.Replay(path, func(rec journal.Record) error {
		total++
		if verbose {
			fmt.Fprintf(out, "%6d %s %-20s %s %s %s %s\n", rec.Seq,
				time.UnixMilli(rec.Timestamp).Format("15:04:05.000"),
				rec.Type, rec.UnitID, rec.ItemID, rec.Outcome, rec.Message)
		}

		run, ok := byID[rec.JobID]
		if !ok {
			run = &runTally{jobID: rec.JobID, state: "incomplete", outcomes: make(map[string]int)}
			byID[rec.JobID] = run
			runs = append(runs, run)
		}
		switch rec.Type {
		case progress.EventItemCompleted:
			run.outcomes[rec.Outcome]++
		case progress.EventItemRetry:
			run.retries++
		case progress.EventError:
			run.errors++
		case progress.EventJobCompleted:
			run.state = rec.Outcome
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay journal %s: %w", path, err)
	}

	fmt.Fprintf(out, "Journal %s: %d records, %d runs\n", path, total, len(runs))
	for _, run := range runs {
		fmt.Fprintf(out, "  ├─ %s: %s (success %d, failure %d, skipped %d, cancelled %d, retries %d, errors %d)\n",
			run.jobID, run.state,
			run.outcomes[string(types.OutcomeSuccess)],
			run.outcomes[string(types.OutcomeFailure)],
			run.outcomes[string(types.OutcomeSkipped)],
			run.outcomes[string(types.OutcomeCancelled)],
			run.retries, run.errors)
	}
	return nil
}
