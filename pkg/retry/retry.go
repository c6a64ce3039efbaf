package retry

import (
	"time"
)

// Config holds the reconnect backoff policy
type Config struct {
	BaseDelay   time.Duration // Delay unit for the first retry
	MaxDelay    time.Duration // Upper bound for any single delay
	MaxAttempts int           // Attempts allowed before the peer is given up
	ExponentCap int           // Largest doubling exponent applied to BaseDelay
}

// DefaultConfig returns the default reconnect policy
func DefaultConfig() Config {
	return Config{
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
		ExponentCap: 5,
	}
}

// Delay returns min(BaseDelay * 2^min(attempt, ExponentCap), MaxDelay).
// Negative attempts are treated as zero.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := attempt
	if c.ExponentCap >= 0 && exp > c.ExponentCap {
		exp = c.ExponentCap
	}
	// Keep the shift inside int64 range; the cap usually clamps long before.
	if exp > 30 {
		exp = 30
	}

	delay := c.BaseDelay * time.Duration(int64(1)<<uint(exp))
	if delay > c.MaxDelay || delay < 0 {
		return c.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt has gone past the attempt ceiling
func (c Config) Exhausted(attempt int) bool {
	return attempt > c.MaxAttempts
}
