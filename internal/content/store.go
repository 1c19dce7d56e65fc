// Package content implements the content-addressed image store. Bytes are
// addressed by their sha256 digest and laid out under two levels of
// two-character shards:
//
//	<root>/<area>/<h[0:2]>/<h[2:4]>/<h>/<filename>
//
// Every write lands under a temporary name in the destination directory and
// is renamed into place, so a complete-looking file is never partial.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/aperture/pkg/lifecycle"
)

// Area is a top-level partition of the store.
type Area string

const (
	Unlabeled Area = "unlabeled"
	Labeled   Area = "labeled"
)

const (
	// AnnotationFile is the sidecar holding an annotation export.
	AnnotationFile = "annotation.json"
	// DefaultFilename names content uploaded without a usable filename.
	DefaultFilename = "file.bin"

	tempPrefix = ".tmp-"
)

// PutResult reports the outcome of storing bytes.
type PutResult struct {
	Hash    string
	Path    string
	Size    int64
	Created bool
}

// Store is durable, deduplicated byte storage addressed by content digest.
type Store interface {
	// Root returns the absolute data root.
	Root() string
	// Abs resolves a store-relative path against the root.
	Abs(rel string) string
	// Put writes data into the unlabeled area unless it is already present.
	// Created is false when the content already existed at its path.
	Put(ctx context.Context, data []byte, filename string) (PutResult, error)
	// Move relocates a hash directory between areas. It is a no-op when the
	// destination already holds the content, and fails with ErrNotFound when
	// neither the source nor the destination does.
	Move(ctx context.Context, hash string, from, to Area) (string, error)
	// Exists reports whether content for hash is present in area.
	Exists(hash string, area Area) (bool, error)
	// Locate returns the relative path of the content file for hash in area.
	Locate(hash string, area Area) (string, error)
	// WriteArtifact atomically writes a sidecar file next to the content.
	WriteArtifact(ctx context.Context, hash string, area Area, name string, data []byte) (string, error)
	// Open opens a file in the hash directory for reading.
	Open(hash string, area Area, name string) (*os.File, error)
	// Sweep removes temporary files older than olderThan and returns the count.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
	// Start creates the area directories and registers the startup sweep.
	Start(lc *lifecycle.Coordinator) error
}

type store struct {
	root      string
	tempGrace time.Duration
	logger    *slog.Logger

	// puts serializes publication per hash so a hash directory only ever
	// receives one content file, whatever filenames race for it.
	puts [256]sync.Mutex
}

// New creates a filesystem store rooted at cfg.Root.
func New(cfg *Config, logger *slog.Logger) (Store, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve content root: %w", err)
	}

	return &store{
		root:      root,
		tempGrace: cfg.TempGraceDuration(),
		logger:    logger.With("system", "content"),
	}, nil
}

// Hash returns the lowercase hex sha256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether hash is a lowercase hex sha256 digest.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ShardPath builds the relative path for a file of hash in area.
func ShardPath(area Area, hash, filename string) string {
	return filepath.ToSlash(filepath.Join(shardDir(area, hash), filename))
}

// SanitizeFilename reduces name to a safe base name. Empty names fall back
// to DefaultFilename and names that would shadow the annotation sidecar
// are prefixed.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)

	switch {
	case name == "", name == ".", name == "..", name == "/":
		return DefaultFilename
	case strings.HasPrefix(name, tempPrefix):
		return "image_" + strings.TrimPrefix(name, ".")
	case name == AnnotationFile:
		return "image_" + name
	}
	return name
}

func shardDir(area Area, hash string) string {
	return filepath.Join(string(area), hash[0:2], hash[2:4], hash)
}

func (s *store) Root() string {
	return s.root
}

func (s *store) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *store) Put(ctx context.Context, data []byte, filename string) (PutResult, error) {
	hash := Hash(data)
	name := SanitizeFilename(filename)
	rel := ShardPath(Unlabeled, hash, name)
	final := s.Abs(rel)

	result := PutResult{Hash: hash, Path: rel, Size: int64(len(data))}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	mu := s.putLock(hash)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(final); err == nil {
		return result, nil
	}

	// Identical bytes stored earlier under another filename keep that name.
	if existing, err := s.Locate(hash, Unlabeled); err == nil {
		result.Path = existing
		return result, nil
	}

	created, err := s.writeAtomic(filepath.Dir(final), filepath.Base(final), data, false)
	if err != nil {
		return result, fmt.Errorf("%w: put %s: %w", ErrIO, rel, err)
	}

	result.Created = created
	if created {
		s.logger.Info("content stored", "hash", hash, "path", rel, "size", result.Size)
	}
	return result, nil
}

func (s *store) putLock(hash string) *sync.Mutex {
	b, _ := hex.DecodeString(hash[0:2])
	return &s.puts[b[0]]
}

func (s *store) Move(ctx context.Context, hash string, from, to Area) (string, error) {
	if !ValidHash(hash) {
		return "", ErrInvalidHash
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src := s.Abs(shardDir(from, hash))
	dst := s.Abs(shardDir(to, hash))

	if ok, err := hasContent(dst); err != nil {
		return "", fmt.Errorf("%w: inspect %s: %w", ErrIO, dst, err)
	} else if ok {
		return s.Locate(hash, to)
	}

	if ok, err := hasContent(src); err != nil {
		return "", fmt.Errorf("%w: inspect %s: %w", ErrIO, src, err)
	} else if !ok {
		return "", fmt.Errorf("%w: %s in %s", ErrNotFound, hash, from)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrIO, filepath.Dir(dst), err)
	}

	if err := os.Rename(src, dst); err != nil {
		// A concurrent mover may have won the rename.
		if ok, _ := hasContent(dst); ok {
			return s.Locate(hash, to)
		}
		if ok, _ := hasContent(src); !ok {
			return "", fmt.Errorf("%w: %s in %s", ErrNotFound, hash, from)
		}
		return "", fmt.Errorf("%w: move %s: %w", ErrIO, hash, err)
	}
	syncDir(filepath.Dir(dst))

	rel, err := s.Locate(hash, to)
	if err != nil {
		return "", err
	}
	s.logger.Info("content moved", "hash", hash, "from", from, "to", to)
	return rel, nil
}

func (s *store) Exists(hash string, area Area) (bool, error) {
	if !ValidHash(hash) {
		return false, ErrInvalidHash
	}
	ok, err := hasContent(s.Abs(shardDir(area, hash)))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return ok, nil
}

func (s *store) Locate(hash string, area Area) (string, error) {
	if !ValidHash(hash) {
		return "", ErrInvalidHash
	}

	dir := shardDir(area, hash)
	entries, err := os.ReadDir(s.Abs(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s in %s", ErrNotFound, hash, area)
		}
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}

	for _, e := range entries {
		if isContentFile(e) {
			return filepath.ToSlash(filepath.Join(dir, e.Name())), nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrNotFound, hash, area)
}

func (s *store) WriteArtifact(ctx context.Context, hash string, area Area, name string, data []byte) (string, error) {
	if !ValidHash(hash) {
		return "", ErrInvalidHash
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := shardDir(area, hash)
	if _, err := os.Stat(s.Abs(dir)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s in %s", ErrNotFound, hash, area)
		}
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}

	rel := filepath.ToSlash(filepath.Join(dir, filepath.Base(name)))
	if _, err := s.writeAtomic(s.Abs(dir), filepath.Base(name), data, true); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrIO, rel, err)
	}
	return rel, nil
}

func (s *store) Open(hash string, area Area, name string) (*os.File, error) {
	if !ValidHash(hash) {
		return nil, ErrInvalidHash
	}

	f, err := os.Open(filepath.Join(s.Abs(shardDir(area, hash)), filepath.Base(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s in %s", ErrNotFound, hash, name, area)
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return f, nil
}

func (s *store) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("temp file removal failed", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("%w: sweep: %w", ErrIO, err)
	}

	if removed > 0 {
		s.logger.Info("stale temp files removed", "count", removed)
	}
	return removed, nil
}

func (s *store) Start(lc *lifecycle.Coordinator) error {
	s.logger.Info("starting content store", "root", s.root)

	for _, area := range []Area{Unlabeled, Labeled} {
		if err := os.MkdirAll(filepath.Join(s.root, string(area)), 0o755); err != nil {
			return fmt.Errorf("%w: create %s area: %w", ErrIO, area, err)
		}
	}

	lc.OnStartup(func() error {
		if _, err := s.Sweep(lc.Context(), s.tempGrace); err != nil {
			s.logger.Error("startup sweep failed", "error", err)
		}
		return nil
	})

	return nil
}

// writeAtomic writes data to a temp file in dir and publishes it as name.
// Without overwrite the publish is a hard link, which fails when name
// already exists; filesystems without hard links fall back to rename.
func (s *store) writeAtomic(dir, name string, data []byte, overwrite bool) (bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}

	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, err
	}

	final := filepath.Join(dir, name)

	if !overwrite {
		err := os.Link(tmp, final)
		switch {
		case err == nil:
			syncDir(dir)
			return true, nil
		case errors.Is(err, fs.ErrExist):
			return false, nil
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		return false, err
	}
	syncDir(dir)
	return true, nil
}

func hasContent(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if isContentFile(e) {
			return true, nil
		}
	}
	return false, nil
}

func isContentFile(e fs.DirEntry) bool {
	return e.Type().IsRegular() &&
		!strings.HasPrefix(e.Name(), tempPrefix) &&
		e.Name() != AnnotationFile
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
