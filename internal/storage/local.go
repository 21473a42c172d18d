package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LocalBackend keeps objects as files below a base directory.
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger

	// Directories already created, to skip repeated MkdirAll calls.
	dirMu    sync.RWMutex
	dirCache map[string]bool
}

// NewLocalBackend creates the base directory if needed.
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	if basePath == "" {
		basePath = "./data"
	}
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-storage").Logger(),
		dirCache: make(map[string]bool),
	}, nil
}

// Write replaces the file at path atomically: data goes to a temp file in
// the same directory which is then renamed over the target.
func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	fullPath, err := b.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := b.ensureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".traveler-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().Str("path", path).Int("size", len(data)).Msg("Wrote file")
	return nil
}

func (b *LocalBackend) ensureDir(dir string) error {
	b.dirMu.RLock()
	ok := b.dirCache[dir]
	b.dirMu.RUnlock()
	if ok {
		return nil
	}

	b.dirMu.Lock()
	defer b.dirMu.Unlock()
	if b.dirCache[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	b.dirCache[dir] = true
	return nil
}

// Read returns the file contents at path.
func (b *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// List walks the directory tree under prefix. Hidden files, including
// in-flight temp files, are skipped.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	root, err := b.resolve(prefix)
	if err != nil {
		return nil, err
	}
	// Prefixes match like object keys: "a" covers both "a/x" and "ab/x".
	walkRoot, filter := root, ""
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		walkRoot = filepath.Dir(root)
		filter = strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+prefix)), "/")
	}

	results := []string{}
	err = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if filter != "" && !strings.HasPrefix(rel, filter) {
			return nil
		}
		results = append(results, rel)
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	slices.Sort(results)
	return results, nil
}

// Delete removes the file at path and prunes directories left empty.
func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	fullPath, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	b.pruneEmptyDirs(filepath.Dir(fullPath))

	b.logger.Debug().Str("path", path).Msg("Deleted file")
	return nil
}

func (b *LocalBackend) pruneEmptyDirs(dir string) {
	b.dirMu.Lock()
	defer b.dirMu.Unlock()
	for dir != b.basePath && strings.HasPrefix(dir, b.basePath) {
		if err := os.Remove(dir); err != nil {
			// Not empty, or already gone.
			return
		}
		delete(b.dirCache, dir)
		dir = filepath.Dir(dir)
	}
}

// Exists reports whether a file exists at path.
func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

func (b *LocalBackend) Close() error { return nil }

// BasePath returns the absolute base directory.
func (b *LocalBackend) BasePath() string { return b.basePath }

func (b *LocalBackend) Type() string { return "local" }

// resolve maps a storage path to a file below the base directory and
// rejects paths that would escape it.
func (b *LocalBackend) resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("invalid path %q: contains NUL", path)
	}
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	fullPath := filepath.Join(b.basePath, clean)

	rel, err := filepath.Rel(b.basePath, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path %q: escapes base directory", path)
	}
	return fullPath, nil
}
