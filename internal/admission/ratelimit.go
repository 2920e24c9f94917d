package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter guards the call pool. It refills one token every
// window/requests and allows up to burst tokens back to back.
type rateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	window  time.Duration
	now     func() time.Time
}

func newRateLimiter(cfg Config, now func() time.Time) *rateLimiter {
	r := &rateLimiter{now: now}
	r.configure(cfg)
	return r
}

func limitOf(cfg Config) (rate.Limit, int) {
	if cfg.RateLimitRequests <= 0 {
		return rate.Inf, 0
	}
	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	if burst > cfg.RateLimitRequests {
		burst = cfg.RateLimitRequests
	}
	return rate.Every(cfg.RateLimitWindow / time.Duration(cfg.RateLimitRequests)), burst
}

func (r *rateLimiter) configure(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, burst := limitOf(cfg)
	r.window = cfg.RateLimitWindow
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(limit, burst)
		return
	}
	now := r.now()
	r.limiter.SetLimitAt(now, limit)
	r.limiter.SetBurstAt(now, burst)
}

// reset refills the bucket.
func (r *rateLimiter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(r.limiter.Limit(), r.limiter.Burst())
}

// allow takes a token if one is available; otherwise it reports how long
// until the next token.
func (r *rateLimiter) allow() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.limiter.AllowN(now, 1) {
		return true, 0
	}
	res := r.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, r.window
	}
	delay := res.DelayFrom(now)
	res.CancelAt(now)
	return false, delay
}

// admit checks the limiter; on refusal it waits min(retryAfter, timeout)
// and checks once more.
func (r *rateLimiter) admit(ctx context.Context, timeout time.Duration) error {
	ok, retryAfter := r.allow()
	if ok {
		return nil
	}

	wait := ceilMillis(retryAfter)
	if timeout < wait {
		wait = timeout
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrAcquireCancelled
		case <-timer.C:
		}
	}

	if ok, _ := r.allow(); !ok {
		return ErrRateLimited
	}
	return nil
}

// ceilMillis rounds up to whole milliseconds so the re-check lands after the
// next token rather than a float rounding error before it.
func ceilMillis(d time.Duration) time.Duration {
	if rem := d % time.Millisecond; rem != 0 {
		d += time.Millisecond - rem
	}
	return d
}
