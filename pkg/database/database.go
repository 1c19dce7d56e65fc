// Package database provides embedded SQLite connection management with schema
// migration and lifecycle coordination.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/JaimeStill/aperture/pkg/lifecycle"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// System manages database connections and lifecycle coordination.
type System interface {
	// Connection returns the underlying database connection pool.
	Connection() *sql.DB
	// Ready reports whether the database has been pinged and migrated.
	Ready() bool
	// Ping verifies the connection within the configured timeout.
	Ping(ctx context.Context) error
	// Start pings and migrates the database, then registers the shutdown hook.
	Start(lc *lifecycle.Coordinator) error
}

type database struct {
	conn        *sql.DB
	migrations  fs.FS
	migrate     bool
	logger      *slog.Logger
	connTimeout time.Duration
	ready       atomic.Bool
}

// New creates a database system with the given configuration.
// It opens the pool and applies pool parameters but does not touch the
// database file until Start is called. migrations may be nil.
func New(cfg *Config, migrations fs.FS, logger *slog.Logger) (System, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	return &database{
		conn:        db,
		migrations:  migrations,
		migrate:     cfg.Migrate(),
		logger:      logger.With("system", "database"),
		connTimeout: cfg.ConnTimeoutDuration(),
	}, nil
}

// Open creates the parent directory of the database file and returns a
// configured pool. In-memory databases are pinned to one connection that
// never expires.
func Open(cfg *Config) (*sql.DB, error) {
	if !cfg.InMemory() {
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(DriverName, cfg.Dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.InMemory() {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return db, nil
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetimeDuration())

	return db, nil
}

// NewMigrator builds a golang-migrate instance over db with migrations as
// its source. Closing the migrator closes db.
func NewMigrator(db *sql.DB, migrations fs.FS) (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, DriverName, driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Migrate applies every pending up migration found in migrations.
// The migrator is intentionally not closed: closing the sqlite driver
// closes the shared pool.
func Migrate(db *sql.DB, migrations fs.FS) error {
	m, err := NewMigrator(db, migrations)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("%w at version %d: repair it, then run migrate --force %d", ErrDirty, dirty.Version, dirty.Version-1)
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

func (d *database) Connection() *sql.DB {
	return d.conn
}

func (d *database) Ready() bool {
	return d.ready.Load()
}

func (d *database) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, d.connTimeout)
	defer cancel()

	if err := d.conn.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

func (d *database) Start(lc *lifecycle.Coordinator) error {
	d.logger.Info("starting database connection")

	if err := d.Ping(lc.Context()); err != nil {
		return err
	}

	if d.migrate && d.migrations != nil {
		if err := Migrate(d.conn, d.migrations); err != nil {
			return err
		}
		d.logger.Info("database migrations applied")
	}

	d.ready.Store(true)
	d.logger.Info("database connection established")

	lc.OnShutdown(func() {
		<-lc.Context().Done()
		d.logger.Info("closing database connection")

		if err := d.conn.Close(); err != nil {
			d.logger.Error("database close failed", "error", err)
			return
		}

		d.logger.Info("database connection closed")
	})

	return nil
}
