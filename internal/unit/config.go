package unit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("unit: invalid config")

// Config controls retries, the circuit breaker and the per-call timeout.
type Config struct {
	MaxRetries              int
	RetryDelays             []time.Duration
	CircuitBreakerThreshold int
	ItemTimeout             time.Duration
}

// DefaultConfig returns 3 retries at 1s/2s/4s, a breaker threshold of 5 and
// a 60s item timeout.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		RetryDelays:             []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		CircuitBreakerThreshold: 5,
		ItemTimeout:             60 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	for _, d := range c.RetryDelays {
		if d < 0 {
			return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidConfig)
		}
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("%w: circuit breaker threshold must be at least 1", ErrInvalidConfig)
	}
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("%w: item timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// delayFor returns the backoff before attempt (1-indexed, attempt >= 2).
func (c Config) delayFor(attempt int) time.Duration {
	if len(c.RetryDelays) == 0 || attempt < 2 {
		return 0
	}
	i := attempt - 2
	if i >= len(c.RetryDelays) {
		i = len(c.RetryDelays) - 1
	}
	return c.RetryDelays[i]
}
