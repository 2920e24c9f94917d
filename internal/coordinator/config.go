package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/admission"
	"github.com/ChuLiYu/track-orchestrator/internal/unit"
)

// ErrInvalidConfig is returned for configurations that cannot run a job.
var ErrInvalidConfig = errors.New("coordinator: invalid config")

// Config is the full orchestrator configuration. The yaml tags match the
// "orchestrator" section of the CLI config file.
type Config struct {
	MaxConcurrentUnits      int             `yaml:"max_concurrent_units"`
	MaxConcurrentCalls      int             `yaml:"max_concurrent_calls"`
	MaxRetries              int             `yaml:"max_retries"`
	RetryDelays             []time.Duration `yaml:"retry_delays"`
	CircuitBreakerThreshold int             `yaml:"circuit_breaker_threshold"`
	RateLimitPerMinute      int             `yaml:"rate_limit_per_minute"` // 0 disables
	RateLimitBurst          int             `yaml:"rate_limit_burst"`
	AdaptiveThrottling      bool            `yaml:"adaptive_throttling"`
	ThrottleWindow          time.Duration   `yaml:"throttle_window"`
	ThrottleThreshold       int             `yaml:"throttle_threshold"`
	ItemTimeout             time.Duration   `yaml:"item_timeout"`
	JobTimeout              time.Duration   `yaml:"job_timeout"` // 0 disables
	TrackRetryDelay         time.Duration   `yaml:"track_retry_delay"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentUnits:      2,
		MaxConcurrentCalls:      6,
		MaxRetries:              3,
		RetryDelays:             []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		CircuitBreakerThreshold: 5,
		RateLimitPerMinute:      120,
		RateLimitBurst:          10,
		AdaptiveThrottling:      true,
		ThrottleWindow:          60 * time.Second,
		ThrottleThreshold:       5,
		ItemTimeout:             60 * time.Second,
		JobTimeout:              10 * time.Minute,
		TrackRetryDelay:         250 * time.Millisecond,
	}
}

// Validate checks every field, including the derived admission and unit
// configurations.
func (c Config) Validate() error {
	if c.JobTimeout < 0 {
		return fmt.Errorf("%w: job timeout must not be negative", ErrInvalidConfig)
	}
	if c.TrackRetryDelay <= 0 {
		return fmt.Errorf("%w: track retry delay must be positive", ErrInvalidConfig)
	}
	if err := c.admissionConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.unitConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) admissionConfig() admission.Config {
	return admission.Config{
		MaxTracks:          c.MaxConcurrentUnits,
		MaxCalls:           c.MaxConcurrentCalls,
		RateLimitRequests:  c.RateLimitPerMinute,
		RateLimitWindow:    time.Minute,
		RateLimitBurst:     c.RateLimitBurst,
		AdaptiveThrottling: c.AdaptiveThrottling,
		ThrottleWindow:     c.ThrottleWindow,
		ThrottleThreshold:  c.ThrottleThreshold,
	}
}

func (c Config) unitConfig() unit.Config {
	return unit.Config{
		MaxRetries:              c.MaxRetries,
		RetryDelays:             append([]time.Duration(nil), c.RetryDelays...),
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		ItemTimeout:             c.ItemTimeout,
	}
}

// ConfigUpdate changes a subset of the configuration. Nil fields are left
// untouched.
type ConfigUpdate struct {
	MaxConcurrentUnits      *int
	MaxConcurrentCalls      *int
	MaxRetries              *int
	RetryDelays             []time.Duration
	CircuitBreakerThreshold *int
	RateLimitPerMinute      *int
	RateLimitBurst          *int
	AdaptiveThrottling      *bool
	ItemTimeout             *time.Duration
	JobTimeout              *time.Duration
}

// apply returns a copy of c with the update applied.
func (u ConfigUpdate) apply(c Config) Config {
	if u.MaxConcurrentUnits != nil {
		c.MaxConcurrentUnits = *u.MaxConcurrentUnits
	}
	if u.MaxConcurrentCalls != nil {
		c.MaxConcurrentCalls = *u.MaxConcurrentCalls
	}
	if u.MaxRetries != nil {
		c.MaxRetries = *u.MaxRetries
	}
	if u.RetryDelays != nil {
		c.RetryDelays = append([]time.Duration(nil), u.RetryDelays...)
	}
	if u.CircuitBreakerThreshold != nil {
		c.CircuitBreakerThreshold = *u.CircuitBreakerThreshold
	}
	if u.RateLimitPerMinute != nil {
		c.RateLimitPerMinute = *u.RateLimitPerMinute
	}
	if u.RateLimitBurst != nil {
		c.RateLimitBurst = *u.RateLimitBurst
	}
	if u.AdaptiveThrottling != nil {
		c.AdaptiveThrottling = *u.AdaptiveThrottling
	}
	if u.ItemTimeout != nil {
		c.ItemTimeout = *u.ItemTimeout
	}
	if u.JobTimeout != nil {
		c.JobTimeout = *u.JobTimeout
	}
	return c
}
