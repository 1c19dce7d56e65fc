package reconcile

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds reconciliation scheduling parameters.
type Config struct {
	Enabled  *bool  `toml:"enabled"`
	Interval string `toml:"interval"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	Enabled  string
	Interval string
}

// IsEnabled reports whether the periodic poll is scheduled.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IntervalDuration returns Interval as a time.Duration.
func (c *Config) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *Config) Finalize(env *Env) error {
	c.loadDefaults()
	if env != nil {
		if err := c.loadEnv(env); err != nil {
			return err
		}
	}
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *Config) Merge(overlay *Config) {
	if overlay.Enabled != nil {
		c.Enabled = overlay.Enabled
	}
	if overlay.Interval != "" {
		c.Interval = overlay.Interval
	}
}

func (c *Config) loadDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Interval == "" {
		c.Interval = "1m"
	}
}

func (c *Config) loadEnv(env *Env) error {
	if env.Enabled != "" {
		if v := os.Getenv(env.Enabled); v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env.Enabled, err)
			}
			c.Enabled = &enabled
		}
	}
	if env.Interval != "" {
		if v := os.Getenv(env.Interval); v != "" {
			c.Interval = v
		}
	}
	return nil
}

func (c *Config) validate() error {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}
	if d < time.Second {
		return fmt.Errorf("interval must be at least 1s")
	}
	return nil
}
