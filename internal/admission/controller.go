// ============================================================================
// Admission Controller - slot pools, rate limiting, adaptive throttling
// ============================================================================
//
// Package: internal/admission
// File: controller.go
//
// Two independent pools of slots:
//   - track: one slot per unit being processed
//   - call:  one slot per in-flight analyzer call
//
// Acquire grants immediately while Live(kind) < EffectiveLimit(kind) and no
// one is waiting; otherwise the caller joins the pool's FIFO queue until a
// Release grants it a slot or its timeout fires. Call slots are additionally
// gated by a token bucket and by the adaptive throttle, which shrinks the
// effective call limit while errors accumulate.
//
//   Acquire(call) ──> rate limiter ──> throttle.evaluate ──> pool
//   Release(call, hadError) ──> throttle.record/evaluate ──> pool.drain
//
// Concurrency:
//   - every pool has its own mutex; the FIFO queue and live map only change
//     under it
//   - lock order is pool -> throttle -> config, never the reverse
//   - shrinking the throttle never revokes live slots; no grant happens
//     while Live >= EffectiveLimit
//
// ============================================================================

package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAcquireTimeout means no slot became free before the timeout.
	ErrAcquireTimeout = errors.New("admission: slot acquire timed out")
	// ErrRateLimited means the call limiter refused twice.
	ErrRateLimited = errors.New("admission: rate_limited")
	// ErrAcquireCancelled means the caller's context ended while waiting.
	ErrAcquireCancelled = errors.New("admission: acquire cancelled")
	// ErrReset means the controller was reset while the caller waited.
	ErrReset = errors.New("admission: controller reset")
	// ErrUnknownSlot means Release was called with a slot that is not live.
	ErrUnknownSlot = errors.New("admission: unknown slot")
	// ErrUnknownKind means the slot kind is neither track nor call.
	ErrUnknownKind = errors.New("admission: unknown slot kind")
)

// Kind selects a slot pool.
type Kind string

const (
	KindTrack Kind = "track"
	KindCall  Kind = "call"
)

// Slot is an admission ticket for one unit of concurrent work.
type Slot struct {
	ID         string
	Kind       Kind
	AcquiredAt time.Time
	Owner      string
}

// PoolStats describes one pool.
type PoolStats struct {
	Live        int           `json:"live"`
	Queued      int           `json:"queued"`
	Limit       int           `json:"limit"`
	PeakLive    int           `json:"peak_live"`
	Granted     int           `json:"granted"`
	Released    int           `json:"released"`
	Timeouts    int           `json:"timeouts"`
	Cancelled   int           `json:"cancelled"`
	RateLimited int           `json:"rate_limited"`
	TotalWait   time.Duration `json:"total_wait"`
}

// Stats describes the whole controller.
type Stats struct {
	Track        PoolStats `json:"track"`
	Call         PoolStats `json:"call"`
	Multiplier   float64   `json:"multiplier"`
	RecentErrors int       `json:"recent_errors"`
}

// Controller admits track and call work.
type Controller struct {
	cfgMu sync.RWMutex
	cfg   Config

	track    *pool
	call     *pool
	limiter  *rateLimiter
	throttle *throttle

	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now for the limiter, the throttle window and slot
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.throttle = newThrottle(cfg, c.logger)
	c.limiter = newRateLimiter(cfg, c.now)
	c.track = newPool(KindTrack, func() int { return c.config().MaxTracks }, c.now)
	c.call = newPool(KindCall, func() int { return c.throttle.effective(c.config().MaxCalls) }, c.now)
	return c, nil
}

func (c *Controller) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Config returns the current configuration.
func (c *Controller) Config() Config {
	return c.config()
}

func (c *Controller) pool(kind Kind) (*pool, error) {
	switch kind {
	case KindTrack:
		return c.track, nil
	case KindCall:
		return c.call, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Acquire obtains a slot of the given kind, waiting at most timeout.
//
// A call slot is granted first and then charged against the rate limiter
// with the remaining timeout. If the limiter refuses, the slot is revoked,
// so a caller that never got a slot never spends a token.
//
// Failures are ordinary errors the caller is expected to retry:
// ErrAcquireTimeout, ErrRateLimited, ErrAcquireCancelled and ErrReset.
func (c *Controller) Acquire(ctx context.Context, kind Kind, tag string, timeout time.Duration) (*Slot, error) {
	p, err := c.pool(kind)
	if err != nil {
		return nil, err
	}

	start := c.now()
	if kind == KindCall {
		c.throttle.evaluate(start)
	}

	slot, err := p.acquire(ctx, tag, timeout)
	if err != nil {
		c.logger.Debug("Slot not acquired",
			"kind", kind,
			"owner", tag,
			"reason", err)
		return nil, err
	}
	if kind != KindCall {
		return slot, nil
	}

	remaining := timeout - c.now().Sub(start)
	if remaining < 0 {
		remaining = 0
	}
	if err := c.limiter.admit(ctx, remaining); err != nil {
		p.revoke(slot.ID)
		if errors.Is(err, ErrRateLimited) {
			p.recordRateLimited()
			c.logger.Debug("Call slot rate limited", "owner", tag)
		}
		return nil, err
	}
	return slot, nil
}

// Release returns a slot. For call slots hadError feeds the throttle.
// Waiters of the same pool are then granted oldest first.
func (c *Controller) Release(slotID string, hadError bool) error {
	if _, ok := c.call.remove(slotID); ok {
		now := c.now()
		if hadError {
			c.throttle.record(now)
		}
		c.throttle.evaluate(now)
		c.call.drain()
		return nil
	}
	if _, ok := c.track.remove(slotID); ok {
		c.track.drain()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
}

// RecordError feeds one call error into the throttle without a slot.
func (c *Controller) RecordError() {
	now := c.now()
	c.throttle.record(now)
	c.throttle.evaluate(now)
}

// ResetErrorTracking clears the error window and restores the full call limit.
func (c *Controller) ResetErrorTracking() {
	c.throttle.reset()
	c.call.drain()
}

// EffectiveLimit returns the current limit of a pool.
func (c *Controller) EffectiveLimit(kind Kind) int {
	cfg := c.config()
	if kind == KindTrack {
		return cfg.MaxTracks
	}
	return c.throttle.effective(cfg.MaxCalls)
}

// Live returns the number of live slots of a pool.
func (c *Controller) Live(kind Kind) int {
	p, err := c.pool(kind)
	if err != nil {
		return 0
	}
	live, _ := p.counts()
	return live
}

// Queued returns the number of waiters of a pool.
func (c *Controller) Queued(kind Kind) int {
	p, err := c.pool(kind)
	if err != nil {
		return 0
	}
	_, queued := p.counts()
	return queued
}

// Stats returns a snapshot of both pools and the throttle.
func (c *Controller) Stats() Stats {
	multiplier, recent := c.throttle.snapshot()
	return Stats{
		Track:        c.track.snapshot(),
		Call:         c.call.snapshot(),
		Multiplier:   multiplier,
		RecentErrors: recent,
	}
}

// UpdateConfig replaces the configuration. Grown limits are handed to
// waiters immediately; shrunk limits take effect as slots are released.
func (c *Controller) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()

	c.limiter.configure(cfg)
	c.throttle.configure(cfg)
	c.track.drain()
	c.call.drain()

	c.logger.Info("Admission config updated",
		"max_tracks", cfg.MaxTracks,
		"max_calls", cfg.MaxCalls,
		"rate_limit", cfg.RateLimitRequests)
	return nil
}

// Reset rejects every waiter with ErrReset and clears live slots, limiter
// state and error history.
func (c *Controller) Reset() {
	rejected := c.track.reset() + c.call.reset()
	c.throttle.reset()
	c.limiter.reset()
	c.logger.Info("Admission controller reset", "rejected_waiters", rejected)
}
