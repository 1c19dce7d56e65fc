package content

import (
	"fmt"
	"os"
	"time"
)

// Config holds content store parameters.
type Config struct {
	Root      string `toml:"root"`
	TempGrace string `toml:"temp_grace"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	Root      string
	TempGrace string
}

// TempGraceDuration returns TempGrace as a time.Duration.
func (c *Config) TempGraceDuration() time.Duration {
	d, _ := time.ParseDuration(c.TempGrace)
	return d
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *Config) Finalize(env *Env) error {
	c.loadDefaults()
	if env != nil {
		c.loadEnv(env)
	}
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *Config) Merge(overlay *Config) {
	if overlay.Root != "" {
		c.Root = overlay.Root
	}
	if overlay.TempGrace != "" {
		c.TempGrace = overlay.TempGrace
	}
}

func (c *Config) loadDefaults() {
	if c.Root == "" {
		c.Root = "/data/images"
	}
	if c.TempGrace == "" {
		c.TempGrace = "1h"
	}
}

func (c *Config) loadEnv(env *Env) {
	if env.Root != "" {
		if v := os.Getenv(env.Root); v != "" {
			c.Root = v
		}
	}
	if env.TempGrace != "" {
		if v := os.Getenv(env.TempGrace); v != "" {
			c.TempGrace = v
		}
	}
}

func (c *Config) validate() error {
	if c.Root == "" {
		return fmt.Errorf("root required")
	}
	d, err := time.ParseDuration(c.TempGrace)
	if err != nil {
		return fmt.Errorf("invalid temp_grace: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("temp_grace must not be negative")
	}
	return nil
}
