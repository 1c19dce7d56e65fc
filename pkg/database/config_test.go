package database_test

import (
	"strings"
	"testing"

	"github.com/JaimeStill/aperture/pkg/database"
)

func TestFinalizeDefaults(t *testing.T) {
	cfg := database.Config{}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	tests := []struct {
		name     string
		got      any
		expected any
	}{
		{"path", cfg.Path, "/data/aperture.db"},
		{"journal_mode", cfg.JournalMode, "WAL"},
		{"busy_timeout", cfg.BusyTimeout, "5s"},
		{"max_open_conns", cfg.MaxOpenConns, 1},
		{"max_idle_conns", cfg.MaxIdleConns, 1},
		{"conn_max_lifetime", cfg.ConnMaxLifetime, "0s"},
		{"conn_timeout", cfg.ConnTimeout, "5s"},
		{"migrate", cfg.Migrate(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %v, want %v", tt.got, tt.expected)
			}
		})
	}
}

func TestFinalizeEnvOverrides(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/env.db")
	t.Setenv("TEST_DB_JOURNAL", "DELETE")
	t.Setenv("TEST_DB_BUSY", "2s")
	t.Setenv("TEST_DB_MAX_OPEN", "4")
	t.Setenv("TEST_DB_MAX_IDLE", "2")
	t.Setenv("TEST_DB_LIFETIME", "30m")
	t.Setenv("TEST_DB_TIMEOUT", "10s")
	t.Setenv("TEST_DB_MIGRATE", "false")

	env := &database.Env{
		Path:            "TEST_DB_PATH",
		JournalMode:     "TEST_DB_JOURNAL",
		BusyTimeout:     "TEST_DB_BUSY",
		MaxOpenConns:    "TEST_DB_MAX_OPEN",
		MaxIdleConns:    "TEST_DB_MAX_IDLE",
		ConnMaxLifetime: "TEST_DB_LIFETIME",
		ConnTimeout:     "TEST_DB_TIMEOUT",
		AutoMigrate:     "TEST_DB_MIGRATE",
	}

	cfg := database.Config{}
	if err := cfg.Finalize(env); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	tests := []struct {
		name     string
		got      any
		expected any
	}{
		{"path", cfg.Path, "/tmp/env.db"},
		{"journal_mode", cfg.JournalMode, "DELETE"},
		{"busy_timeout", cfg.BusyTimeout, "2s"},
		{"max_open_conns", cfg.MaxOpenConns, 4},
		{"max_idle_conns", cfg.MaxIdleConns, 2},
		{"conn_max_lifetime", cfg.ConnMaxLifetime, "30m"},
		{"conn_timeout", cfg.ConnTimeout, "10s"},
		{"migrate", cfg.Migrate(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %v, want %v", tt.got, tt.expected)
			}
		})
	}
}

func TestFinalizeValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     database.Config
		wantErr string
	}{
		{"journal mode", database.Config{JournalMode: "FAST"}, "invalid journal_mode"},
		{"busy timeout", database.Config{BusyTimeout: "soon"}, "invalid busy_timeout"},
		{"lifetime", database.Config{ConnMaxLifetime: "forever"}, "invalid conn_max_lifetime"},
		{"conn timeout", database.Config{ConnTimeout: "x"}, "invalid conn_timeout"},
		{"negative pool", database.Config{MaxOpenConns: -1}, "max_open_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Finalize(nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	off := false
	base := database.Config{Path: "/data/base.db", JournalMode: "WAL", MaxOpenConns: 1}
	base.Merge(&database.Config{Path: "/data/overlay.db", MaxOpenConns: 3, AutoMigrate: &off})

	if base.Path != "/data/overlay.db" {
		t.Errorf("path: got %s, want /data/overlay.db", base.Path)
	}
	if base.JournalMode != "WAL" {
		t.Errorf("journal_mode: got %s, want WAL", base.JournalMode)
	}
	if base.MaxOpenConns != 3 {
		t.Errorf("max_open_conns: got %d, want 3", base.MaxOpenConns)
	}
	if base.Migrate() {
		t.Error("migrate should be disabled by overlay")
	}
}

func TestDsn(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    []string
		exclude string
	}{
		{
			name: "file",
			path: "/data/aperture.db",
			want: []string{"/data/aperture.db?", "busy_timeout%285000%29", "foreign_keys%281%29", "journal_mode%28WAL%29", "_txlock=immediate", "_time_format=sqlite"},
		},
		{
			name:    "memory",
			path:    database.MemoryPath,
			want:    []string{":memory:?", "_txlock=immediate"},
			exclude: "journal_mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := database.Config{Path: tt.path}
			if err := cfg.Finalize(nil); err != nil {
				t.Fatal(err)
			}

			dsn := cfg.Dsn()
			for _, w := range tt.want {
				if !strings.Contains(dsn, w) {
					t.Errorf("dsn %q missing %q", dsn, w)
				}
			}
			if tt.exclude != "" && strings.Contains(dsn, tt.exclude) {
				t.Errorf("dsn %q should not contain %q", dsn, tt.exclude)
			}
		})
	}
}
