package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds concurrency configuration parameters
type Config struct {
	// MaxConcurrent bounds simultaneous operation dispatches across all transactions
	MaxConcurrent int
	// RunnerWorkers is the worker count of a JetStream runner
	RunnerWorkers int
	// FailureThreshold is the consecutive failure count that opens the breaker
	FailureThreshold int64
	// ResetTimeout is how long the breaker stays open before probing
	ResetTimeout  time.Duration
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxConcurrent := getEnvInt("CONDUIT_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("CONDUIT_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = getDefaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	if workers := getEnvInt("CONDUIT_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
	} else {
		config.RunnerWorkers = getDefaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	config.FailureThreshold = int64(getEnvInt("CONDUIT_BREAKER_THRESHOLD", DefaultFailureThreshold))
	config.ResetTimeout = getEnvDuration("CONDUIT_BREAKER_RESET", DefaultResetTimeout)

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultMaxConcurrent returns sensible defaults based on environment.
// Dispatch slots are held only while an operation starts, so they can be
// generous.
func getDefaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 8
	}
	return cpus * 16
}

// getDefaultRunnerWorkers returns sensible defaults for runner worker pool
func getDefaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, FailureThreshold: %d, ResetTimeout: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.FailureThreshold,
		c.ResetTimeout,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
