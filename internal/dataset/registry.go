package dataset

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/monalisha31/traveler-integrated/internal/index"
	"github.com/monalisha31/traveler-integrated/internal/metrics"
)

// Persister writes dataset state to durable storage. Implementations must be
// safe for concurrent use.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	SaveMeta(ctx context.Context, meta Meta) error
	SaveCode(ctx context.Context, label string, code Code) error
	Delete(ctx context.Context, label string) error
}

// RegistryConfig holds configuration for the dataset registry.
type RegistryConfig struct {
	MaxConcurrentFinalize int64 // Commits building indexes at once (default: 2)
	MaxHistogramBins      int   // Largest accepted histogram bin count (default: DefaultMaxBins)
}

// DefaultMaxBins is the histogram bin limit used when none is configured.
const DefaultMaxBins = 10000

// Registry is the set of loaded datasets. It is passed to every query
// operation; there is no package-level state.
type Registry struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset

	finalize  *semaphore.Weighted
	maxBins   int
	persister Persister
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry. persister may be nil, in which case
// datasets live only in memory.
func NewRegistry(cfg *RegistryConfig, persister Persister, logger zerolog.Logger) *Registry {
	limit := int64(2)
	if cfg != nil && cfg.MaxConcurrentFinalize > 0 {
		limit = cfg.MaxConcurrentFinalize
	}
	maxBins := DefaultMaxBins
	if cfg != nil && cfg.MaxHistogramBins > 0 {
		maxBins = min(cfg.MaxHistogramBins, index.MaxBins)
	}
	return &Registry{
		datasets:  make(map[string]*Dataset),
		finalize:  semaphore.NewWeighted(limit),
		maxBins:   maxBins,
		persister: persister,
		now:       time.Now,
		logger:    logger.With().Str("component", "dataset-registry").Logger(),
	}
}

// Create registers a new, empty dataset.
func (r *Registry) Create(ctx context.Context, label string) (*Dataset, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.datasets[label]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDatasetExists, label)
	}
	d := newDataset(r, label, r.now())
	r.datasets[label] = d
	metrics.Get().SetDatasets(len(r.datasets))
	r.mu.Unlock()

	r.logger.Info().Str("dataset", label).Msg("Dataset created")

	if r.persister != nil {
		if err := r.persister.SaveMeta(ctx, d.Meta()); err != nil {
			return d, fmt.Errorf("persist meta for %s: %w", label, err)
		}
	}
	return d, nil
}

// Get returns the dataset with the given label.
func (r *Registry) Get(label string) (*Dataset, error) {
	r.mu.RLock()
	d, ok := r.datasets[label]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, label)
	}
	return d, nil
}

// Labels returns every dataset label in sorted order.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.datasets))
}

// List returns the metadata of every dataset, sorted by label.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	out := make([]Meta, 0, len(r.datasets))
	for _, d := range r.datasets {
		out = append(out, d.Meta())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Meta) int {
		switch {
		case a.Label < b.Label:
			return -1
		case a.Label > b.Label:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Len returns the number of datasets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.datasets)
}

// Purge removes a dataset from memory and from durable storage. Queries
// already holding its snapshot finish against it.
func (r *Registry) Purge(ctx context.Context, label string) error {
	r.mu.Lock()
	if _, ok := r.datasets[label]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDatasetNotFound, label)
	}
	delete(r.datasets, label)
	metrics.Get().SetDatasets(len(r.datasets))
	r.mu.Unlock()

	r.logger.Info().Str("dataset", label).Msg("Dataset purged")

	if r.persister != nil {
		if err := r.persister.Delete(ctx, label); err != nil {
			return fmt.Errorf("delete persisted dataset %s: %w", label, err)
		}
	}
	return nil
}

// PurgeOlderThan removes every dataset not updated since cutoff and returns
// the purged labels. Datasets with an ingestion in flight are skipped.
func (r *Registry) PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string
	r.mu.RLock()
	for label, d := range r.datasets {
		if d.Ingesting() {
			continue
		}
		if d.snap.Load().Meta.UpdatedAt.Before(cutoff) {
			stale = append(stale, label)
		}
	}
	r.mu.RUnlock()
	slices.Sort(stale)

	purged := make([]string, 0, len(stale))
	var errs []error
	for _, label := range stale {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		err := r.Purge(ctx, label)
		if errors.Is(err, ErrDatasetNotFound) {
			// Purged concurrently.
			continue
		}
		// Purge drops the dataset from memory before touching storage, so
		// a storage failure still counts as purged.
		purged = append(purged, label)
		if err != nil {
			r.logger.Error().Err(err).Str("dataset", label).Msg("Failed to delete expired dataset from storage")
			errs = append(errs, err)
		}
	}
	return purged, errors.Join(errs...)
}
