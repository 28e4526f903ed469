package feeder

import (
	"fmt"
	"time"
)

// Config holds configuration for a feeder
type Config struct {
	// Feeder name, used for metric names, the tracer and logs
	Name string

	// BacklogSize caps payloads waiting for ring space
	BacklogSize int

	// RetryInterval bounds how long the feed loop waits for the kernel to
	// drain a full ring before trying again
	RetryInterval time.Duration

	// ShutdownTimeout bounds Stop
	ShutdownTimeout time.Duration

	// MaxRate limits payloads written per second. Zero means unlimited.
	MaxRate float64

	// Burst is how many payloads may be written back to back under MaxRate
	Burst int

	// EnableMetrics registers OTEL instruments
	EnableMetrics bool
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "urb_feeder",
		BacklogSize:     10000,
		RetryInterval:   50 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		Burst:           1,
		EnableMetrics:   true,
	}
}

// Validate checks if configuration is valid, filling in defaults
func (c *Config) Validate() error {
	if c.MaxRate < 0 {
		return fmt.Errorf("max rate must not be negative, got %v", c.MaxRate)
	}
	if c.Name == "" {
		c.Name = "urb_feeder"
	}
	if c.BacklogSize <= 0 {
		c.BacklogSize = 10000
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 50 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return nil
}
