package runner

import (
	"os"
	"strconv"
	"time"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// Config holds the consumer and worker pool settings of a Runner.
type Config struct {
	// Stream and Consumer name the JetStream source of requests
	Stream   string `json:"stream" yaml:"stream"`
	Consumer string `json:"consumer" yaml:"consumer"`
	// Subjects bound to Stream when it has to be created; defaults to "<stream>.>"
	Subjects []string `json:"subjects,omitempty" yaml:"subjects,omitempty"`

	BatchSize int `json:"batchSize" yaml:"batchSize"`
	Workers   int `json:"workers" yaml:"workers"`

	// ProcessTimeout bounds a single invocation
	ProcessTimeout time.Duration `json:"processTimeout" yaml:"processTimeout"`
	// ReportTimeout bounds publishing its result
	ReportTimeout time.Duration `json:"reportTimeout" yaml:"reportTimeout"`

	MinBackoff time.Duration `json:"minBackoff" yaml:"minBackoff"`
	MaxBackoff time.Duration `json:"maxBackoff" yaml:"maxBackoff"`
	IdleWait   time.Duration `json:"idleWait" yaml:"idleWait"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Stream:         "CONDUIT",
		Consumer:       "conduit-runner",
		BatchSize:      10,
		Workers:        4,
		ProcessTimeout: 30 * time.Second,
		ReportTimeout:  5 * time.Second,
		MinBackoff:     100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		IdleWait:       500 * time.Millisecond,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by CONDUIT_RUNNER_* environment variables
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("CONDUIT_RUNNER_STREAM"); v != "" {
		cfg.Stream = v
	}
	if v := os.Getenv("CONDUIT_RUNNER_CONSUMER"); v != "" {
		cfg.Consumer = v
	}
	if n, err := strconv.Atoi(os.Getenv("CONDUIT_RUNNER_BATCH_SIZE")); err == nil {
		cfg.BatchSize = n
	}
	if n, err := strconv.Atoi(os.Getenv("CONDUIT_RUNNER_WORKERS")); err == nil {
		cfg.Workers = n
	}
	if d, err := time.ParseDuration(os.Getenv("CONDUIT_RUNNER_PROCESS_TIMEOUT")); err == nil {
		cfg.ProcessTimeout = d
	}
	return cfg
}

// WithStream returns a new Config reading from stream through consumer
func (c Config) WithStream(stream, consumer string) Config {
	c.Stream = stream
	c.Consumer = consumer
	return c
}

// WithWorkers returns a new Config with the worker pool and batch size set
func (c Config) WithWorkers(workers, batchSize int) Config {
	c.Workers = workers
	c.BatchSize = batchSize
	return c
}

// WithProcessTimeout returns a new Config with the per-invocation timeout set
func (c Config) WithProcessTimeout(d time.Duration) Config {
	c.ProcessTimeout = d
	return c
}

// Validate applies defaults to zero fields and rejects invalid values.
func (c *Config) Validate() error {
	if c.Stream == "" {
		return sdkerrors.Validation("stream name cannot be empty", sdkerrors.ErrInvalidConfig)
	}
	if c.Consumer == "" {
		return sdkerrors.Validation("consumer name cannot be empty", sdkerrors.ErrInvalidConfig)
	}
	if c.BatchSize < 0 || c.Workers < 0 || c.ProcessTimeout < 0 || c.ReportTimeout < 0 {
		return sdkerrors.Validation("batch size, workers and timeouts cannot be negative", sdkerrors.ErrInvalidConfig)
	}

	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.ProcessTimeout == 0 {
		c.ProcessTimeout = d.ProcessTimeout
	}
	if c.ReportTimeout == 0 {
		c.ReportTimeout = d.ReportTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.MinBackoff)
	}
	if c.IdleWait <= 0 {
		c.IdleWait = d.IdleWait
	}
	return nil
}
