package admission

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	minMultiplier  = 0.5
	shrinkStep     = 0.1
	recoverStep    = 0.05
	fullMultiplier = 1.0
)

// throttle shrinks the effective call-pool size while recent call errors
// pile up and grows it back once they stop. It is evaluated lazily on
// acquire and release only, so it heals only while calls keep flowing.
type throttle struct {
	mu         sync.Mutex
	enabled    bool
	window     time.Duration
	threshold  int
	errors     []time.Time // timestamps of recent call errors, oldest first
	multiplier float64
	logger     *slog.Logger
}

func newThrottle(cfg Config, logger *slog.Logger) *throttle {
	t := &throttle{multiplier: fullMultiplier, logger: logger}
	t.configure(cfg)
	return t
}

func (t *throttle) configure(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = cfg.AdaptiveThrottling
	t.window = cfg.ThrottleWindow
	t.threshold = cfg.ThrottleThreshold
	if !t.enabled {
		t.multiplier = fullMultiplier
	}
}

func (t *throttle) record(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.errors = append(t.errors, now)
}

// evaluate prunes the error window and adjusts the multiplier by one step.
func (t *throttle) evaluate(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}

	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.errors) && !t.errors[i].After(cutoff) {
		i++
	}
	t.errors = t.errors[i:]

	count := len(t.errors)
	before := t.multiplier
	switch {
	case count >= t.threshold && t.multiplier > minMultiplier:
		t.multiplier = math.Max(minMultiplier, round2(t.multiplier-shrinkStep))
	case count <= 1 && t.multiplier < fullMultiplier:
		t.multiplier = math.Min(fullMultiplier, round2(t.multiplier+recoverStep))
	}

	if t.multiplier < before {
		t.logger.Warn("Call pool throttled",
			"recent_errors", count,
			"multiplier", t.multiplier)
	} else if t.multiplier > before {
		t.logger.Debug("Call pool recovering",
			"recent_errors", count,
			"multiplier", t.multiplier)
	}
}

// effective applies the multiplier to the configured pool size.
func (t *throttle) effective(configured int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return configured
	}
	n := int(math.Floor(float64(configured) * t.multiplier))
	if n < 1 {
		n = 1
	}
	return n
}

func (t *throttle) snapshot() (float64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multiplier, len(t.errors)
}

func (t *throttle) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = nil
	t.multiplier = fullMultiplier
}

// round2 keeps the multiplier on the 0.05 grid despite float drift.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
