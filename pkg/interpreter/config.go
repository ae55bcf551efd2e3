package interpreter

import (
	"os"
	"strconv"
	"time"

	"github.com/wehubfusion/Conduit/pkg/executor"
	"github.com/wehubfusion/Conduit/pkg/validate"
)

// Config holds interpreter-wide settings
type Config struct {
	// Executor is the policy applied to every transaction
	Executor executor.Config
	// Validation decides which issues block registration
	Validation validate.Options
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Executor: executor.DefaultConfig(),
	}
}

// ConfigFromEnv returns DefaultConfig overridden by CONDUIT_* environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v, ok := envBool("CONDUIT_ERROR_ON_HUNG"); ok {
		cfg.Executor.ErrorOnHung = v
	}
	if d, ok := envDuration("CONDUIT_HUNG_TIMEOUT"); ok {
		cfg.Executor.HungTimeout = d
	}
	if v, ok := envBool("CONDUIT_ERROR_ON_MISSING"); ok {
		cfg.Executor.ErrorOnMissing = v
	}
	if d, ok := envDuration("CONDUIT_TX_TIMEOUT"); ok {
		cfg.Executor.Timeout = d
	}
	if value := os.Getenv("CONDUIT_TX_BUFFER"); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			cfg.Executor.BufferSize = n
		}
	}
	if v, ok := envBool("CONDUIT_UNUSED_OUTPUT_FATAL"); ok {
		cfg.Validation.UnusedOutputFatal = v
	}
	return cfg
}

// WithErrorOnHung returns a new Config with the hung policy set
func (c Config) WithErrorOnHung(enabled bool, timeout time.Duration) Config {
	c.Executor = c.Executor.WithErrorOnHung(enabled, timeout)
	return c
}

// WithErrorOnMissing returns a new Config with the missing input policy set
func (c Config) WithErrorOnMissing(enabled bool) Config {
	c.Executor = c.Executor.WithErrorOnMissing(enabled)
	return c
}

// WithTimeout returns a new Config with the transaction timeout set
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Executor = c.Executor.WithTimeout(timeout)
	return c
}

// WithBufferSize returns a new Config with the stream buffer size set
func (c Config) WithBufferSize(size int) Config {
	c.Executor = c.Executor.WithBufferSize(size)
	return c
}

// WithUnusedOutputFatal returns a new Config where unused outputs block registration
func (c Config) WithUnusedOutputFatal(fatal bool) Config {
	c.Validation.UnusedOutputFatal = fatal
	return c
}

// Validate checks the configuration and applies defaults
func (c *Config) Validate() error {
	return c.Executor.Validate()
}

func envBool(key string) (bool, bool) {
	value := os.Getenv(key)
	if value == "" {
		return false, false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(key string) (time.Duration, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false
	}
	return d, true
}
