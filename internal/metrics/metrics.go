// ============================================================================
// Track Orchestrator Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: turns progress events and admission statistics into Prometheus
//           metrics and serves them on /metrics
//
// Metric families:
//
//   1. Counters (fed by progress events):
//      - orchestrator_jobs_started_total
//      - orchestrator_jobs_completed_total{state}
//      - orchestrator_units_completed_total{outcome}   succeeded|partial|failed
//      - orchestrator_items_completed_total{outcome}   success|failure|skipped
//      - orchestrator_item_retries_total
//      - orchestrator_circuit_breaks_total
//      - orchestrator_errors_total
//
//   2. Histogram:
//      - orchestrator_item_duration_seconds (attempted items only)
//
//   3. Gauges (fed by RecordAdmission):
//      - orchestrator_slots_live{kind}
//      - orchestrator_slots_queued{kind}
//      - orchestrator_slots_limit{kind}
//      - orchestrator_throttle_multiplier
//
// Example queries:
//
//   # failure ratio over 5m
//   rate(orchestrator_items_completed_total{outcome="failure"}[5m])
//     / rate(orchestrator_items_completed_total[5m])
//
//   # call pool saturation
//   orchestrator_slots_live{kind="call"} / orchestrator_slots_limit{kind="call"}
//
// Collectors register on prometheus.DefaultRegisterer.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/admission"
	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the orchestrator metrics.
type Collector struct {
	jobsStarted    prometheus.Counter
	jobsCompleted  *prometheus.CounterVec
	unitsCompleted *prometheus.CounterVec
	itemsCompleted *prometheus.CounterVec
	itemRetries    prometheus.Counter
	circuitBreaks  prometheus.Counter
	errors         prometheus.Counter

	itemDuration prometheus.Histogram

	slotsLive          *prometheus.GaugeVec
	slotsQueued        *prometheus.GaugeVec
	slotsLimit         *prometheus.GaugeVec
	throttleMultiplier prometheus.Gauge
}

// NewCollector creates the metrics and registers them.
func NewCollector() *Collector {
	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_started_total",
			Help: "Total number of coordinator runs started",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_jobs_completed_total",
			Help: "Total number of coordinator runs finished, by final state",
		}, []string{"state"}),
		unitsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_units_completed_total",
			Help: "Total number of units finished, by outcome",
		}, []string{"outcome"}),
		itemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_items_completed_total",
			Help: "Total number of work items finished, by outcome",
		}, []string{"outcome"}),
		itemRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_item_retries_total",
			Help: "Total number of item retry attempts",
		}),
		circuitBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_circuit_breaks_total",
			Help: "Total number of units whose circuit breaker opened",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_errors_total",
			Help: "Total number of error events",
		}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_item_duration_seconds",
			Help:    "Wall time spent on attempted items, retries included",
			Buckets: prometheus.DefBuckets,
		}),
		slotsLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_slots_live",
			Help: "Slots currently held, by pool",
		}, []string{"kind"}),
		slotsQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_slots_queued",
			Help: "Callers waiting for a slot, by pool",
		}, []string{"kind"}),
		slotsLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_slots_limit",
			Help: "Effective slot limit, by pool",
		}, []string{"kind"}),
		throttleMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_throttle_multiplier",
			Help: "Adaptive throttle multiplier applied to the call pool",
		}),
	}

	prometheus.MustRegister(c.jobsStarted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.unitsCompleted)
	prometheus.MustRegister(c.itemsCompleted)
	prometheus.MustRegister(c.itemRetries)
	prometheus.MustRegister(c.circuitBreaks)
	prometheus.MustRegister(c.errors)
	prometheus.MustRegister(c.itemDuration)
	prometheus.MustRegister(c.slotsLive)
	prometheus.MustRegister(c.slotsQueued)
	prometheus.MustRegister(c.slotsLimit)
	prometheus.MustRegister(c.throttleMultiplier)

	return c
}

// HandleEvent is a progress.Listener.
func (c *Collector) HandleEvent(e progress.Event) {
	switch e.Type {
	case progress.EventJobStarted:
		c.jobsStarted.Inc()
	case progress.EventJobCompleted:
		if e.Result != nil {
			c.jobsCompleted.WithLabelValues(string(e.Result.State)).Inc()
		}
	case progress.EventUnitCompleted:
		if e.Unit != nil {
			c.unitsCompleted.WithLabelValues(unitOutcome(*e.Unit)).Inc()
		}
	case progress.EventItemCompleted:
		if e.Item != nil {
			c.RecordItem(*e.Item)
		}
	case progress.EventItemRetry:
		c.itemRetries.Inc()
	case progress.EventCircuitBroken:
		c.circuitBreaks.Inc()
	case progress.EventError:
		c.errors.Inc()
	}
}

// RecordItem counts a finished item.
func (c *Collector) RecordItem(item types.ItemResult) {
	c.itemsCompleted.WithLabelValues(string(item.Outcome)).Inc()
	if item.Outcome == types.OutcomeSuccess || item.Outcome == types.OutcomeFailure {
		c.itemDuration.Observe(item.Duration.Seconds())
	}
}

// RecordAdmission publishes a snapshot of the admission controller.
func (c *Collector) RecordAdmission(stats admission.Stats) {
	for kind, pool := range map[admission.Kind]admission.PoolStats{
		admission.KindTrack: stats.Track,
		admission.KindCall:  stats.Call,
	} {
		c.slotsLive.WithLabelValues(string(kind)).Set(float64(pool.Live))
		c.slotsQueued.WithLabelValues(string(kind)).Set(float64(pool.Queued))
		c.slotsLimit.WithLabelValues(string(kind)).Set(float64(pool.Limit))
	}
	c.throttleMultiplier.Set(stats.Multiplier)
}

// PollAdmission records stats() every interval until ctx is done.
func (c *Collector) PollAdmission(ctx context.Context, interval time.Duration, stats func() admission.Stats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.RecordAdmission(stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func unitOutcome(u types.UnitResult) string {
	success := u.Count(types.OutcomeSuccess)
	switch {
	case success == len(u.Items):
		return "succeeded"
	case success > 0:
		return "partial"
	default:
		return "failed"
	}
}

// StartServer serves /metrics on port until ctx is done.
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
