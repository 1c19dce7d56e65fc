package content

import "errors"

var (
	// ErrNotFound indicates no content exists for the hash in the requested area.
	ErrNotFound = errors.New("content not found")
	// ErrInvalidHash indicates a hash that is not 64 lowercase hex characters.
	ErrInvalidHash = errors.New("invalid content hash")
	// ErrIO wraps filesystem failures (disk full, permissions, ...).
	ErrIO = errors.New("content store i/o failure")
)
