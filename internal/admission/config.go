package admission

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for configurations that can never admit work.
var ErrInvalidConfig = errors.New("admission: invalid config")

// Config configures both slot pools, the call rate limiter and the adaptive
// throttle.
type Config struct {
	MaxTracks int // track-pool size
	MaxCalls  int // configured call-pool size before throttling

	RateLimitRequests int           // calls allowed per RateLimitWindow, 0 disables
	RateLimitWindow   time.Duration // limiter window
	RateLimitBurst    int           // calls that may be admitted back to back

	AdaptiveThrottling bool
	ThrottleWindow     time.Duration // rolling window of recent call errors
	ThrottleThreshold  int           // errors inside the window that shrink the call pool
}

// DefaultConfig returns the defaults: 2 tracks, 6 calls, 120 calls per
// minute with a burst of 10, throttling on 5 errors per 60s.
func DefaultConfig() Config {
	return Config{
		MaxTracks:          2,
		MaxCalls:           6,
		RateLimitRequests:  120,
		RateLimitWindow:    time.Minute,
		RateLimitBurst:     10,
		AdaptiveThrottling: true,
		ThrottleWindow:     60 * time.Second,
		ThrottleThreshold:  5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxTracks < 1 {
		return fmt.Errorf("%w: max tracks must be at least 1, got %d", ErrInvalidConfig, c.MaxTracks)
	}
	if c.MaxCalls < 1 {
		return fmt.Errorf("%w: max calls must be at least 1, got %d", ErrInvalidConfig, c.MaxCalls)
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: rate limit window must be positive", ErrInvalidConfig)
	}
	if c.RateLimitBurst < 0 {
		return fmt.Errorf("%w: rate limit burst must not be negative", ErrInvalidConfig)
	}
	if c.AdaptiveThrottling {
		if c.ThrottleWindow <= 0 {
			return fmt.Errorf("%w: throttle window must be positive", ErrInvalidConfig)
		}
		if c.ThrottleThreshold < 1 {
			return fmt.Errorf("%w: throttle threshold must be at least 1", ErrInvalidConfig)
		}
	}
	return nil
}
