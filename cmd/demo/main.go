package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/analyzer"
	"github.com/ChuLiYu/track-orchestrator/internal/coordinator"
	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
)

func main() {
	tracks := flag.Int("tracks", 6, "number of tracks to generate")
	races := flag.Int("races", 8, "races per track")
	failure := flag.Float64("failure", 0.2, "simulated failure rate")
	latency := flag.Duration("latency", 150*time.Millisecond, "max simulated call latency")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg := coordinator.DefaultConfig()
	cfg.RetryDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	cfg.ItemTimeout = 5 * time.Second

	coord, err := coordinator.New(cfg,
		analyzer.SimulatedScorer{FieldSize: 10},
		analyzer.NewSimulatedAnalyzer(analyzer.SimulatedConfig{
			FailureRate: *failure,
			FatalRate:   0.1,
			MaxLatency:  *latency,
		}))
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	jobs := generateJobs(*tracks, *races)
	fmt.Printf("✓ Generated %d tracks with %d races each\n", len(jobs), *races)
	fmt.Printf("💡 Press Ctrl+C to cancel; running units stop at the next race\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nReceived shutdown signal, cancelling run...")
		coord.Cancel()
	}()

	ctx, stopTicker := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := coord.Status()
				a := coord.AdmissionStats()
				fmt.Printf("📊 Units %d/%d, Races %d/%d, Calls live=%d queued=%d limit=%d\n",
					s.UnitsComplete, s.UnitsTotal, s.ItemsProcessed, s.ItemsTotal,
					a.Call.Live, a.Call.Queued, a.Call.Limit)
			}
		}
	}()

	result, err := coord.Run(context.Background(), jobs, progress.Callbacks{
		OnUnitComplete: func(unit types.UnitResult) {
			mark := "✓"
			if unit.CircuitBroken {
				mark = "⚡"
			}
			fmt.Printf("  %s %s: %d ok, %d failed, %d skipped\n", mark, unit.UnitID,
				unit.Count(types.OutcomeSuccess), unit.Count(types.OutcomeFailure), unit.Count(types.OutcomeSkipped))
		},
	}.Listener())
	stopTicker()
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	s := result.Summary
	fmt.Printf("\n📊 Final Status (%s):\n", result.State)
	fmt.Printf("  Successful: %d\n", s.Successful)
	fmt.Printf("  Failed:     %d\n", s.Failed)
	fmt.Printf("  Skipped:    %d\n", s.Skipped)
	fmt.Printf("  Cancelled:  %d\n", s.Cancelled)
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:      %d (%.1f%% success in %s)\n", s.ItemsTotal, s.SuccessRate*100, s.Duration.Round(time.Millisecond))
}

func generateJobs(tracks, races int) []types.Job {
	jobs := make([]types.Job, 0, tracks)
	for i := 1; i <= tracks; i++ {
		job := types.Job{
			ID:       types.JobID(fmt.Sprintf("track-%02d", i)),
			Priority: rand.Intn(4),
		}
		for r := 1; r <= races; r++ {
			job.Items = append(job.Items, types.WorkItem{
				ID:      fmt.Sprintf("race-%02d", r),
				Payload: map[string]any{"distance": 1000 + 200*rand.Intn(10)},
			})
		}
		jobs = append(jobs, job)
	}
	return jobs
}
