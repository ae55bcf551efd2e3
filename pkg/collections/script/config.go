package script

import (
	"fmt"
	"time"
)

// Security levels, from most to least restrictive.
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// Config configures the VM pool and sandbox shared by every script of a collection.
type Config struct {
	// Timeout bounds one script call, including nested invoke calls
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// SecurityLevel is strict, standard or permissive
	SecurityLevel string `json:"securityLevel,omitempty" yaml:"securityLevel,omitempty"`

	// PoolSize is the number of idle VMs kept for reuse
	PoolSize int `json:"poolSize,omitempty" yaml:"poolSize,omitempty"`

	// MaxReuse is how many calls a VM serves before it is replaced
	MaxReuse int `json:"maxReuse,omitempty" yaml:"maxReuse,omitempty"`
}

// DefaultConfig returns the standard-level configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		SecurityLevel: SecurityLevelStandard,
		PoolSize:      8,
		MaxReuse:      1000,
	}
}

// WithTimeout returns a copy with the call timeout set.
func (c Config) WithTimeout(d time.Duration) Config {
	c.Timeout = d
	return c
}

// WithSecurityLevel returns a copy with the security level set.
func (c Config) WithSecurityLevel(level string) Config {
	c.SecurityLevel = level
	return c
}

// Validate applies defaults to zero fields and rejects invalid values.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = d.SecurityLevel
	}
	if c.PoolSize == 0 {
		c.PoolSize = d.PoolSize
	}
	if c.MaxReuse == 0 {
		c.MaxReuse = d.MaxReuse
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.PoolSize < 0 || c.MaxReuse < 0 {
		return fmt.Errorf("poolSize and maxReuse cannot be negative")
	}
	switch c.SecurityLevel {
	case SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive:
	default:
		return fmt.Errorf("invalid security level: %s", c.SecurityLevel)
	}
	return nil
}
