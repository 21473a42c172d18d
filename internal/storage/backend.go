// Package storage holds the blob backends dataset snapshots are written to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Read when no object exists at the path.
var ErrNotFound = errors.New("object not found")

// Backend stores opaque blobs under slash-separated paths.
type Backend interface {
	// Write stores data at path, replacing any previous object.
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the object at path, or an error wrapping ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns the paths of all objects under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether an object exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	Close() error

	// Type returns the backend identifier ("local", "s3", "azure").
	Type() string
}

// Config selects and configures a backend.
type Config struct {
	Backend   string // local, s3, minio or azure
	LocalPath string
	S3        S3Config
	Azure     AzureBlobConfig

	// Resilience wraps remote backends with retries and a circuit breaker.
	// Nil disables it.
	Resilience *ResilientConfig
}

// New builds the backend named by cfg.Backend.
func New(cfg Config, logger zerolog.Logger) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		s3cfg := cfg.S3
		if cfg.Backend == "minio" {
			s3cfg.PathStyle = true
		}
		backend, err = NewS3Backend(&s3cfg, logger)
	case "azure", "azblob":
		azcfg := cfg.Azure
		backend, err = NewAzureBlobBackend(&azcfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Resilience != nil {
		backend = NewResilientBackend(backend, cfg.Resilience, logger)
	}
	return backend, nil
}
