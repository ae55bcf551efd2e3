package executor

import (
	"fmt"
	"time"

	"github.com/wehubfusion/Conduit/pkg/packet"
)

// Default values for transaction configuration
const (
	DefaultHungTimeout = 30 * time.Second
)

// Config holds the execution policy of a transaction
type Config struct {
	// ErrorOnHung fails a transaction that sees no event for HungTimeout while
	// every running node waits on input. A node working on complete input is
	// bounded by Timeout instead.
	ErrorOnHung bool
	// HungTimeout is the inactivity deadline used by ErrorOnHung
	HungTimeout time.Duration
	// ErrorOnMissing fails a transaction that completes with input no node consumed
	ErrorOnMissing bool
	// Timeout bounds the total duration of a transaction; zero means unbounded
	Timeout time.Duration
	// BufferSize is the capacity of the streams between nodes
	BufferSize int
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		ErrorOnHung: true,
		HungTimeout: DefaultHungTimeout,
		BufferSize:  packet.DefaultBufferSize,
	}
}

// WithErrorOnHung returns a new Config with the hung policy set
func (c Config) WithErrorOnHung(enabled bool, timeout time.Duration) Config {
	c.ErrorOnHung = enabled
	c.HungTimeout = timeout
	return c
}

// WithErrorOnMissing returns a new Config with the missing input policy set
func (c Config) WithErrorOnMissing(enabled bool) Config {
	c.ErrorOnMissing = enabled
	return c
}

// WithTimeout returns a new Config with the total timeout set
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}

// WithBufferSize returns a new Config with the stream buffer size set
func (c Config) WithBufferSize(size int) Config {
	c.BufferSize = size
	return c
}

// Validate checks the configuration and applies defaults
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", c.Timeout)
	}
	if c.HungTimeout < 0 {
		return fmt.Errorf("hung timeout cannot be negative, got %s", c.HungTimeout)
	}
	if c.ErrorOnHung && c.HungTimeout == 0 {
		c.HungTimeout = DefaultHungTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = packet.DefaultBufferSize
	}
	return nil
}
