package storage

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// Config holds Azure Blob Storage archive parameters. Authentication uses
// ConnectionString when set, otherwise the default Azure credential chain
// against ServiceURL.
type Config struct {
	Enabled          bool   `toml:"enabled"`
	ConnectionString string `toml:"connection_string"`
	ServiceURL       string `toml:"service_url"`
	ContainerName    string `toml:"container_name"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	Enabled          string
	ConnectionString string
	ServiceURL       string
	ContainerName    string
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
	if overlay.Enabled {
		c.Enabled = true
	}
	if overlay.ConnectionString != "" {
		c.ConnectionString = overlay.ConnectionString
	}
	if overlay.ServiceURL != "" {
		c.ServiceURL = overlay.ServiceURL
	}
	if overlay.ContainerName != "" {
		c.ContainerName = overlay.ContainerName
	}
}

func (c *Config) loadDefaults() {
	if c.ContainerName == "" {
		c.ContainerName = "labeled-images"
	}
}

func (c *Config) loadEnv(env *Env) error {
	if env.Enabled != "" {
		if v := os.Getenv(env.Enabled); v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env.Enabled, err)
			}
			c.Enabled = enabled
		}
	}
	if env.ConnectionString != "" {
		if v := os.Getenv(env.ConnectionString); v != "" {
			c.ConnectionString = v
		}
	}
	if env.ServiceURL != "" {
		if v := os.Getenv(env.ServiceURL); v != "" {
			c.ServiceURL = v
		}
	}
	if env.ContainerName != "" {
		if v := os.Getenv(env.ContainerName); v != "" {
			c.ContainerName = v
		}
	}
	return nil
}

func (c *Config) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ContainerName == "" {
		return fmt.Errorf("container_name required")
	}
	if c.ConnectionString != "" {
		return nil
	}
	if c.ServiceURL == "" {
		return fmt.Errorf("connection_string or service_url required")
	}
	u, err := url.Parse(c.ServiceURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid service_url %q", c.ServiceURL)
	}
	return nil
}
