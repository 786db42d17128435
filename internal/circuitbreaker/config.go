// Package circuitbreaker shields callers from failing downstream dependencies.
// It implements a timed three-state machine (closed, open, half-open) with
// per-dependency failure bookkeeping and optional fallback values.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// Enabled enables circuit breaking. When false, operations are executed
	// directly with no bookkeeping.
	Enabled bool

	// Timeout is the maximum duration a wrapped operation may run before it
	// is cancelled and counted as a failure.
	Timeout time.Duration

	// FailureThreshold is the failure count at which a closed circuit opens.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open state needed
	// to close the circuit.
	SuccessThreshold int

	// ResetTimeout is the duration an open circuit waits before admitting a
	// probe request.
	ResetTimeout time.Duration

	// MonitoringPeriod is the interval at which stats snapshots are emitted
	// to observers, independent of call volume. Zero disables the monitor.
	MonitoringPeriod time.Duration

	// Fallback, when non-nil, is returned instead of an error while the
	// circuit is open or an operation times out.
	Fallback any
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

// Validate clamps invalid values to their defaults.
func (c *Config) Validate() error {
	if c.Timeout < time.Millisecond {
		c.Timeout = 10 * time.Second
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout < time.Millisecond {
		c.ResetTimeout = 30 * time.Second
	}
	if c.MonitoringPeriod < 0 {
		c.MonitoringPeriod = time.Minute
	}
	return nil
}

// clone returns a copy of the config.
func (c *Config) clone() *Config {
	clone := *c
	return &clone
}

// Patch describes a partial configuration update. Nil fields are left
// unchanged by UpdateConfig.
type Patch struct {
	Enabled          *bool
	Timeout          *time.Duration
	FailureThreshold *int
	SuccessThreshold *int
	ResetTimeout     *time.Duration
	MonitoringPeriod *time.Duration
	Fallback         any
}

// apply merges the patch into a copy of the given config.
func (p Patch) apply(c *Config) *Config {
	next := c.clone()
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.Timeout != nil {
		next.Timeout = *p.Timeout
	}
	if p.FailureThreshold != nil {
		next.FailureThreshold = *p.FailureThreshold
	}
	if p.SuccessThreshold != nil {
		next.SuccessThreshold = *p.SuccessThreshold
	}
	if p.ResetTimeout != nil {
		next.ResetTimeout = *p.ResetTimeout
	}
	if p.MonitoringPeriod != nil {
		next.MonitoringPeriod = *p.MonitoringPeriod
	}
	if p.Fallback != nil {
		next.Fallback = p.Fallback
	}
	next.Validate()
	return next
}

// WithTimeout sets the operation timeout.
func (c *Config) WithTimeout(d time.Duration) *Config {
	c.Timeout = d
	return c
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithSuccessThreshold sets the success threshold.
func (c *Config) WithSuccessThreshold(n int) *Config {
	c.SuccessThreshold = n
	return c
}

// WithResetTimeout sets the open-state cooldown.
func (c *Config) WithResetTimeout(d time.Duration) *Config {
	c.ResetTimeout = d
	return c
}

// WithFallback sets the fallback value.
func (c *Config) WithFallback(v any) *Config {
	c.Fallback = v
	return c
}
