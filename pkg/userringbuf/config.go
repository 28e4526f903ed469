package userringbuf

import "time"

// Config holds tuning for a user ring buffer producer
type Config struct {
	// Name prefixes metric names and identifies the buffer in logs
	Name string

	// WaitPollInterval bounds a single wait for free space in the
	// blocking reserve variants, so context cancellation is noticed
	WaitPollInterval time.Duration

	// EnableMetrics registers OTEL instruments for the buffer
	EnableMetrics bool
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:             "user_ringbuf",
		WaitPollInterval: 100 * time.Millisecond,
		EnableMetrics:    true,
	}
}

// Validate fills in defaults for unset fields
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = "user_ringbuf"
	}
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = 100 * time.Millisecond
	}
	return nil
}
