// Package infrastructure provides core service initialization for application startup.
// It assembles common dependencies (logging, database, content store, archive,
// annotation client) that domain systems require.
package infrastructure

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/JaimeStill/aperture/internal/annotation"
	"github.com/JaimeStill/aperture/internal/config"
	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/migrations"
	"github.com/JaimeStill/aperture/pkg/database"
	"github.com/JaimeStill/aperture/pkg/lifecycle"
	"github.com/JaimeStill/aperture/pkg/storage"
)

// Infrastructure holds the core systems required by all domain modules.
// It provides a single point of initialization for lifecycle coordination,
// logging, database access, content storage, and the annotation service.
type Infrastructure struct {
	Lifecycle  *lifecycle.Coordinator
	Logger     *slog.Logger
	Database   database.System
	Content    content.Store
	Annotation *annotation.LabelStudio
	// Archive is nil when archiving is disabled.
	Archive storage.System
}

// New creates an Infrastructure from the application configuration.
// It initializes all systems but does not start them; call Start separately.
func New(cfg *config.Config) (*Infrastructure, error) {
	lc := lifecycle.New()
	logger := NewLogger(&cfg.Logging, os.Stdout)

	db, err := database.New(&cfg.Database, migrations.FS, logger)
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}

	store, err := content.New(&cfg.Content, logger)
	if err != nil {
		return nil, fmt.Errorf("content store init failed: %w", err)
	}

	client, err := annotation.NewLabelStudio(&cfg.Annotation, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("annotation client init failed: %w", err)
	}

	infra := &Infrastructure{
		Lifecycle:  lc,
		Logger:     logger,
		Database:   db,
		Content:    store,
		Annotation: client,
	}

	if cfg.Archive.Enabled {
		archive, err := storage.New(&cfg.Archive, logger)
		if err != nil {
			return nil, fmt.Errorf("archive init failed: %w", err)
		}
		infra.Archive = archive
	}

	return infra, nil
}

// NewLogger builds the process logger from the logging config.
func NewLogger(cfg *config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Start registers all infrastructure systems with the lifecycle coordinator.
func (i *Infrastructure) Start() error {
	if err := i.Database.Start(i.Lifecycle); err != nil {
		return fmt.Errorf("database start failed: %w", err)
	}
	if err := i.Content.Start(i.Lifecycle); err != nil {
		return fmt.Errorf("content store start failed: %w", err)
	}
	if err := i.Annotation.Start(i.Lifecycle); err != nil {
		return fmt.Errorf("annotation client start failed: %w", err)
	}
	if i.Archive != nil {
		if err := i.Archive.Start(i.Lifecycle); err != nil {
			return fmt.Errorf("archive start failed: %w", err)
		}
	}
	return nil
}
