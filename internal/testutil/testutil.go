// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/JaimeStill/aperture/migrations"
	"github.com/JaimeStill/aperture/pkg/database"
)

// Logger returns a logger that discards all output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DB opens a private in-memory database with every migration applied.
// The pool is closed when the test ends.
func DB(t *testing.T) *sql.DB {
	t.Helper()

	cfg := &database.Config{Path: database.MemoryPath}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatalf("finalize database config: %v", err)
	}

	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(db, migrations.FS); err != nil {
		t.Fatalf("migrate database: %v", err)
	}

	return db
}
