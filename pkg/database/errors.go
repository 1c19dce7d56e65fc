package database

import "errors"

var (
	// ErrNotReady indicates the database connection has not been established.
	ErrNotReady = errors.New("database not ready")
	// ErrDirty indicates a previous migration failed part way. The schema
	// must be repaired and the version forced before migrating again.
	ErrDirty = errors.New("database schema dirty")
)
