package ingest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JaimeStill/aperture/pkg/formatting"
)

// Config holds ingestion limits and repair pacing.
type Config struct {
	MaxUploadSize    string   `toml:"max_upload_size"`
	SupportedFormats []string `toml:"supported_formats"`
	ResubmitGrace    string   `toml:"resubmit_grace"`
	ResubmitRate     float64  `toml:"resubmit_rate"`
	ResubmitBurst    int      `toml:"resubmit_burst"`
	ResubmitBatch    int      `toml:"resubmit_batch"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	MaxUploadSize    string
	SupportedFormats string
	ResubmitGrace    string
	ResubmitRate     string
	ResubmitBurst    string
	ResubmitBatch    string
}

// MaxUploadSizeBytes returns MaxUploadSize parsed to a byte count.
func (c *Config) MaxUploadSizeBytes() int64 {
	n, _ := formatting.ParseBytes(c.MaxUploadSize)
	return n
}

// ResubmitGraceDuration is how old a received record must be before the
// startup repair treats it as orphaned.
func (c *Config) ResubmitGraceDuration() time.Duration {
	d, _ := time.ParseDuration(c.ResubmitGrace)
	return d
}

// Supported reports whether ext (with leading dot, any case) is accepted.
func (c *Config) Supported(ext string) bool {
	ext = strings.ToLower(ext)
	for _, f := range c.SupportedFormats {
		if f == ext {
			return true
		}
	}
	return false
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
	if overlay.MaxUploadSize != "" {
		c.MaxUploadSize = overlay.MaxUploadSize
	}
	if len(overlay.SupportedFormats) > 0 {
		c.SupportedFormats = overlay.SupportedFormats
	}
	if overlay.ResubmitGrace != "" {
		c.ResubmitGrace = overlay.ResubmitGrace
	}
	if overlay.ResubmitRate != 0 {
		c.ResubmitRate = overlay.ResubmitRate
	}
	if overlay.ResubmitBurst != 0 {
		c.ResubmitBurst = overlay.ResubmitBurst
	}
	if overlay.ResubmitBatch != 0 {
		c.ResubmitBatch = overlay.ResubmitBatch
	}
}

func (c *Config) loadDefaults() {
	if c.MaxUploadSize == "" {
		c.MaxUploadSize = "10MB"
	}
	if len(c.SupportedFormats) == 0 {
		c.SupportedFormats = []string{".jpg", ".jpeg", ".png", ".bmp"}
	}
	if c.ResubmitGrace == "" {
		c.ResubmitGrace = "5m"
	}
	if c.ResubmitRate == 0 {
		c.ResubmitRate = 2
	}
	if c.ResubmitBurst == 0 {
		c.ResubmitBurst = 1
	}
	if c.ResubmitBatch == 0 {
		c.ResubmitBatch = 100
	}
}

func (c *Config) loadEnv(env *Env) error {
	if env.MaxUploadSize != "" {
		if v := os.Getenv(env.MaxUploadSize); v != "" {
			c.MaxUploadSize = v
		}
	}
	if env.SupportedFormats != "" {
		if v := os.Getenv(env.SupportedFormats); v != "" {
			formats := strings.Split(v, ",")
			for i, f := range formats {
				formats[i] = strings.TrimSpace(f)
			}
			c.SupportedFormats = formats
		}
	}
	if env.ResubmitGrace != "" {
		if v := os.Getenv(env.ResubmitGrace); v != "" {
			c.ResubmitGrace = v
		}
	}
	if env.ResubmitRate != "" {
		if v := os.Getenv(env.ResubmitRate); v != "" {
			rate, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env.ResubmitRate, err)
			}
			c.ResubmitRate = rate
		}
	}
	if env.ResubmitBurst != "" {
		if v := os.Getenv(env.ResubmitBurst); v != "" {
			burst, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env.ResubmitBurst, err)
			}
			c.ResubmitBurst = burst
		}
	}
	if env.ResubmitBatch != "" {
		if v := os.Getenv(env.ResubmitBatch); v != "" {
			batch, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env.ResubmitBatch, err)
			}
			c.ResubmitBatch = batch
		}
	}
	return nil
}

func (c *Config) validate() error {
	size, err := formatting.ParseBytes(c.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("invalid max_upload_size: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("max_upload_size must be positive")
	}

	for i, f := range c.SupportedFormats {
		f = strings.ToLower(f)
		if !strings.HasPrefix(f, ".") {
			f = "." + f
		}
		c.SupportedFormats[i] = f
	}

	d, err := time.ParseDuration(c.ResubmitGrace)
	if err != nil {
		return fmt.Errorf("invalid resubmit_grace: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("resubmit_grace must not be negative")
	}
	if c.ResubmitRate <= 0 {
		return fmt.Errorf("resubmit_rate must be positive")
	}
	if c.ResubmitBurst < 1 {
		return fmt.Errorf("resubmit_burst must be at least 1")
	}
	if c.ResubmitBatch < 1 {
		return fmt.Errorf("resubmit_batch must be at least 1")
	}
	return nil
}
