package database_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/JaimeStill/aperture/pkg/database"
	"github.com/JaimeStill/aperture/pkg/lifecycle"
)

var schema = fstest.MapFS{
	"000001_create_widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);")},
	"000001_create_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fileConfig(t *testing.T) *database.Config {
	t.Helper()
	cfg := &database.Config{Path: filepath.Join(t.TempDir(), "nested", "test.db")}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestOpenMemoryPinsConnection(t *testing.T) {
	cfg := &database.Config{Path: database.MemoryPath, MaxOpenConns: 8}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatal(err)
	}

	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("max open connections = %d, want 1", got)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	db, err := database.Open(fileConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := range 2 {
		if err := database.Migrate(db, schema); err != nil {
			t.Fatalf("Migrate() pass %d error = %v", i+1, err)
		}
	}

	if _, err := db.Exec("INSERT INTO widgets (name) VALUES ('gear')"); err != nil {
		t.Errorf("insert after migrate: %v", err)
	}
}

func TestMigrateReportsDirtySchema(t *testing.T) {
	db, err := database.Open(fileConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	broken := fstest.MapFS{
		"000001_broken.up.sql":   {Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY; ")},
		"000001_broken.down.sql": {Data: []byte("DROP TABLE gadgets;")},
	}

	if err := database.Migrate(db, broken); err == nil || errors.Is(err, database.ErrDirty) {
		t.Fatalf("first Migrate() error = %v, want the SQL failure", err)
	}
	if err := database.Migrate(db, broken); !errors.Is(err, database.ErrDirty) {
		t.Errorf("second Migrate() error = %v, want ErrDirty", err)
	}
}

func TestStartAndShutdown(t *testing.T) {
	sys, err := database.New(fileConfig(t), schema, discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if sys.Ready() {
		t.Error("system should not be ready before Start")
	}

	lc := lifecycle.New()
	if err := sys.Start(lc); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sys.Ready() {
		t.Error("system should be ready after Start")
	}

	var count int
	row := sys.Connection().QueryRow("SELECT COUNT(*) FROM widgets")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("widgets table missing: %v", err)
	}

	if err := lc.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if err := sys.Ping(context.Background()); !errors.Is(err, database.ErrNotReady) {
		t.Errorf("Ping() after shutdown = %v, want ErrNotReady", err)
	}
}

func TestStartSkipsMigrationWhenDisabled(t *testing.T) {
	off := false
	cfg := fileConfig(t)
	cfg.AutoMigrate = &off

	sys, err := database.New(cfg, schema, discard())
	if err != nil {
		t.Fatal(err)
	}

	lc := lifecycle.New()
	if err := sys.Start(lc); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer lc.Shutdown(5 * time.Second)

	if _, err := sys.Connection().Exec("SELECT 1 FROM widgets"); err == nil {
		t.Error("widgets table should not exist when migration is disabled")
	}
}
