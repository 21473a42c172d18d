// Package snapshot persists datasets: interval snapshots go to a storage
// backend and metadata goes to the catalog. Indexes are never persisted;
// they are rebuilt when a dataset is restored.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/monalisha31/traveler-integrated/internal/catalog"
	"github.com/monalisha31/traveler-integrated/internal/dataset"
	"github.com/monalisha31/traveler-integrated/internal/interval"
	"github.com/monalisha31/traveler-integrated/internal/storage"
)

// FileName is the object name of a dataset snapshot below its label.
const FileName = "intervals.msgpack.zst"

const formatVersion = 1

// ErrUnsupportedVersion is returned for snapshots written by a newer format.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Path returns the storage path of a dataset's snapshot.
func Path(label string) string {
	return label + "/" + FileName
}

type file struct {
	Version   int                  `msgpack:"v"`
	Meta      dataset.Meta         `msgpack:"meta"`
	Intervals []*interval.Interval `msgpack:"intervals"`
}

// Manager implements dataset.Persister on a storage backend and a catalog.
type Manager struct {
	backend storage.Backend
	catalog *catalog.Catalog
	logger  zerolog.Logger
}

var _ dataset.Persister = (*Manager)(nil)

// NewManager creates a snapshot manager.
func NewManager(backend storage.Backend, cat *catalog.Catalog, logger zerolog.Logger) *Manager {
	return &Manager{
		backend: backend,
		catalog: cat,
		logger:  logger.With().Str("component", "snapshot").Logger(),
	}
}

// Encode writes meta and the intervals of store as a zstd-compressed
// MessagePack document.
func Encode(meta dataset.Meta, store *interval.Store) ([]byte, error) {
	f := file{Version: formatVersion, Meta: meta}
	if store != nil {
		f.Intervals = slices.Collect(store.All())
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	enc := msgpack.NewEncoder(zw)
	enc.UseCompactInts(true)
	if err := enc.Encode(&f); err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a document written by Encode.
func Decode(data []byte) (dataset.Meta, []*interval.Interval, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return dataset.Meta{}, nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	var f file
	if err := msgpack.NewDecoder(zr).Decode(&f); err != nil {
		return dataset.Meta{}, nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if f.Version > formatVersion {
		return dataset.Meta{}, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}
	return f.Meta, f.Intervals, nil
}

// SaveSnapshot writes the dataset's intervals and then its catalog row.
func (m *Manager) SaveSnapshot(ctx context.Context, snap *dataset.Snapshot) error {
	start := time.Now()
	data, err := Encode(snap.Meta, snap.Store)
	if err != nil {
		return err
	}
	if err := m.backend.Write(ctx, Path(snap.Meta.Label), data); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", snap.Meta.Label, err)
	}
	if err := m.catalog.Upsert(ctx, snap.Meta); err != nil {
		return err
	}

	m.logger.Info().
		Str("dataset", snap.Meta.Label).
		Int("intervals", snap.Meta.IntervalCount).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Saved dataset snapshot")
	return nil
}

// SaveMeta updates the catalog row only.
func (m *Manager) SaveMeta(ctx context.Context, meta dataset.Meta) error {
	return m.catalog.Upsert(ctx, meta)
}

// SaveCode stores attached code in the catalog.
func (m *Manager) SaveCode(ctx context.Context, label string, code dataset.Code) error {
	return m.catalog.PutCode(ctx, label, code)
}

// Delete removes the snapshot and the catalog row.
func (m *Manager) Delete(ctx context.Context, label string) error {
	return errors.Join(
		m.backend.Delete(ctx, Path(label)),
		m.catalog.Delete(ctx, label),
	)
}

// Touch records a read of the dataset.
func (m *Manager) Touch(ctx context.Context, label string) error {
	return m.catalog.Touch(ctx, label, time.Now())
}

// Load reads a dataset snapshot from the backend.
func (m *Manager) Load(ctx context.Context, label string) (dataset.Meta, []*interval.Interval, error) {
	data, err := m.backend.Read(ctx, Path(label))
	if err != nil {
		return dataset.Meta{}, nil, err
	}
	return Decode(data)
}

// LoadAll restores every catalogued dataset into reg and returns the labels
// restored. Catalog metadata wins over the copy inside the snapshot. A
// snapshot with no catalog row is restored from its embedded metadata and
// re-catalogued. Datasets that fail to load are logged and skipped.
func (m *Manager) LoadAll(ctx context.Context, reg *dataset.Registry) ([]string, error) {
	entries, err := m.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	catalogued := make(map[string]bool, len(entries))
	var restored []string

	for _, e := range entries {
		catalogued[e.Meta.Label] = true
		_, intervals, err := m.Load(ctx, e.Meta.Label)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error().Err(err).Str("dataset", e.Meta.Label).Msg("Failed to load snapshot, skipping dataset")
			continue
		}
		if errors.Is(err, storage.ErrNotFound) && e.Meta.IntervalCount > 0 {
			m.logger.Warn().Str("dataset", e.Meta.Label).Int("intervals", e.Meta.IntervalCount).
				Msg("Snapshot missing, restoring metadata only")
		}
		if m.restore(ctx, reg, e.Meta, intervals) {
			restored = append(restored, e.Meta.Label)
		}
	}

	paths, err := m.backend.List(ctx, "")
	if err != nil {
		return restored, fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, p := range paths {
		label, ok := strings.CutSuffix(p, "/"+FileName)
		if !ok || catalogued[label] {
			continue
		}
		meta, intervals, err := m.Load(ctx, label)
		if err != nil {
			m.logger.Error().Err(err).Str("path", p).Msg("Failed to load uncatalogued snapshot")
			continue
		}
		meta.Label = label
		if err := m.catalog.Upsert(ctx, meta); err != nil {
			m.logger.Error().Err(err).Str("dataset", label).Msg("Failed to catalogue snapshot")
			continue
		}
		m.logger.Warn().Str("dataset", label).Msg("Recovered uncatalogued snapshot")
		if m.restore(ctx, reg, meta, intervals) {
			restored = append(restored, label)
		}
	}

	m.logger.Info().Int("datasets", len(restored)).Msg("Restored datasets")
	return restored, nil
}

func (m *Manager) restore(ctx context.Context, reg *dataset.Registry, meta dataset.Meta, intervals []*interval.Interval) bool {
	code, err := m.catalog.GetCode(ctx, meta.Label)
	if err != nil {
		m.logger.Warn().Err(err).Str("dataset", meta.Label).Msg("Failed to load attached code")
	}
	if _, err := reg.Restore(ctx, meta, intervals, code); err != nil {
		m.logger.Error().Err(err).Str("dataset", meta.Label).Msg("Failed to restore dataset")
		return false
	}
	return true
}
