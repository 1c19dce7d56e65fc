// Package config loads the service configuration from TOML files and
// APERTURE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/JaimeStill/aperture/internal/annotation"
	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/ingest"
	"github.com/JaimeStill/aperture/internal/reconcile"
	"github.com/JaimeStill/aperture/pkg/database"
	"github.com/JaimeStill/aperture/pkg/storage"
)

const (
	BaseConfigFile       = "config.toml"
	OverlayConfigPattern = "config.%s.toml"

	EnvApertureEnv             = "APERTURE_ENV"
	EnvApertureShutdownTimeout = "APERTURE_SHUTDOWN_TIMEOUT"
	EnvApertureVersion         = "APERTURE_VERSION"
)

var databaseEnv = &database.Env{
	Path:            "APERTURE_DB_PATH",
	JournalMode:     "APERTURE_DB_JOURNAL_MODE",
	BusyTimeout:     "APERTURE_DB_BUSY_TIMEOUT",
	MaxOpenConns:    "APERTURE_DB_MAX_OPEN_CONNS",
	MaxIdleConns:    "APERTURE_DB_MAX_IDLE_CONNS",
	ConnMaxLifetime: "APERTURE_DB_CONN_MAX_LIFETIME",
	ConnTimeout:     "APERTURE_DB_CONN_TIMEOUT",
	AutoMigrate:     "APERTURE_DB_AUTO_MIGRATE",
}

var contentEnv = &content.Env{
	Root:      "APERTURE_CONTENT_ROOT",
	TempGrace: "APERTURE_CONTENT_TEMP_GRACE",
}

var annotationEnv = &annotation.Env{
	URL:            "APERTURE_ANNOTATION_URL",
	APIKey:         "APERTURE_ANNOTATION_API_KEY",
	ProjectID:      "APERTURE_ANNOTATION_PROJECT_ID",
	ProjectTitle:   "APERTURE_ANNOTATION_PROJECT_TITLE",
	DocumentPrefix: "APERTURE_ANNOTATION_DOCUMENT_PREFIX",
	PageSize:       "APERTURE_ANNOTATION_PAGE_SIZE",
	TaskTimeout:    "APERTURE_ANNOTATION_TASK_TIMEOUT",
	ExportTimeout:  "APERTURE_ANNOTATION_EXPORT_TIMEOUT",
}

var reconcileEnv = &reconcile.Env{
	Enabled:  "APERTURE_RECONCILE_ENABLED",
	Interval: "APERTURE_RECONCILE_INTERVAL",
}

var ingestEnv = &ingest.Env{
	MaxUploadSize:    "APERTURE_INGEST_MAX_UPLOAD_SIZE",
	SupportedFormats: "APERTURE_INGEST_SUPPORTED_FORMATS",
	ResubmitGrace:    "APERTURE_INGEST_RESUBMIT_GRACE",
	ResubmitRate:     "APERTURE_INGEST_RESUBMIT_RATE",
	ResubmitBurst:    "APERTURE_INGEST_RESUBMIT_BURST",
	ResubmitBatch:    "APERTURE_INGEST_RESUBMIT_BATCH",
}

var archiveEnv = &storage.Env{
	Enabled:          "APERTURE_ARCHIVE_ENABLED",
	ConnectionString: "APERTURE_ARCHIVE_CONNECTION_STRING",
	ServiceURL:       "APERTURE_ARCHIVE_SERVICE_URL",
	ContainerName:    "APERTURE_ARCHIVE_CONTAINER_NAME",
}

// Config is the root configuration for the Aperture service.
type Config struct {
	Server          ServerConfig      `toml:"server"`
	Logging         LoggingConfig     `toml:"logging"`
	Database        database.Config   `toml:"database"`
	Content         content.Config    `toml:"content"`
	Annotation      annotation.Config `toml:"annotation"`
	Reconcile       reconcile.Config  `toml:"reconcile"`
	Ingest          ingest.Config     `toml:"ingest"`
	Archive         storage.Config    `toml:"archive"`
	API             APIConfig         `toml:"api"`
	ShutdownTimeout string            `toml:"shutdown_timeout"`
	Version         string            `toml:"version"`
}

// Env returns the APERTURE_ENV value, defaulting to "local".
func (c *Config) Env() string {
	if env := os.Getenv(EnvApertureEnv); env != "" {
		return env
	}
	return "local"
}

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ShutdownTimeout)
	return d
}

// Load reads the base config at path (config.toml when empty, skipped if
// absent), applies any environment overlay next to it, and finalizes all
// values. Without a config file, defaults and environment variables provide
// all configuration.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = BaseConfigFile
	}

	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		loaded, err := load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if overlay := overlayPath(path); overlay != "" {
		loaded, err := load(overlay)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", overlay, err)
		}
		cfg.Merge(loaded)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}

	return cfg, nil
}

// Merge overwrites non-zero fields from overlay across all sub-configs.
func (c *Config) Merge(overlay *Config) {
	if overlay.ShutdownTimeout != "" {
		c.ShutdownTimeout = overlay.ShutdownTimeout
	}
	if overlay.Version != "" {
		c.Version = overlay.Version
	}
	c.Server.Merge(&overlay.Server)
	c.Logging.Merge(&overlay.Logging)
	c.Database.Merge(&overlay.Database)
	c.Content.Merge(&overlay.Content)
	c.Annotation.Merge(&overlay.Annotation)
	c.Reconcile.Merge(&overlay.Reconcile)
	c.Ingest.Merge(&overlay.Ingest)
	c.Archive.Merge(&overlay.Archive)
	c.API.Merge(&overlay.API)
}

func (c *Config) finalize() error {
	c.loadDefaults()
	c.loadEnv()

	if err := c.validate(); err != nil {
		return err
	}
	if err := c.Server.Finalize(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logging.Finalize(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Database.Finalize(databaseEnv); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Content.Finalize(contentEnv); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	if err := c.Annotation.Finalize(annotationEnv); err != nil {
		return fmt.Errorf("annotation: %w", err)
	}
	if err := c.Reconcile.Finalize(reconcileEnv); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := c.Ingest.Finalize(ingestEnv); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Archive.Finalize(archiveEnv); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := c.API.Finalize(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func (c *Config) loadDefaults() {
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = "30s"
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvApertureShutdownTimeout); v != "" {
		c.ShutdownTimeout = v
	}
	if v := os.Getenv(EnvApertureVersion); v != "" {
		c.Version = v
	}
}

func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid shutdown_timeout: %w", err)
	}
	return nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// overlayPath returns config.<env>.toml beside base when APERTURE_ENV is set
// and the file exists.
func overlayPath(base string) string {
	env := os.Getenv(EnvApertureEnv)
	if env == "" {
		return ""
	}

	path := filepath.Join(filepath.Dir(base), fmt.Sprintf(OverlayConfigPattern, env))
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}
