package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/monalisha31/traveler-integrated/internal/index"
	"github.com/monalisha31/traveler-integrated/internal/interval"
	"github.com/monalisha31/traveler-integrated/internal/metrics"
)

// Ingestion collects new intervals for a dataset. Nothing it adds is visible
// to queries until Commit publishes the next snapshot.
type Ingestion struct {
	d       *Dataset
	builder *interval.Builder
	sources []SourceFile
	closed  bool
}

// BeginIngest starts an ingestion. A dataset allows one ingestion at a time.
// If the dataset already holds intervals, the new generation extends them.
func (d *Dataset) BeginIngest() (*Ingestion, error) {
	if !d.ingesting.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrIngestInProgress, d.label)
	}
	b := interval.NewBuilder()
	if cur := d.snap.Load(); cur.Store != nil {
		b = interval.NewBuilderFrom(cur.Store)
	}
	return &Ingestion{d: d, builder: b}, nil
}

// Add appends one interval record.
func (in *Ingestion) Add(rec interval.Record) error {
	if in.closed {
		return ErrIngestClosed
	}
	return in.builder.Add(rec)
}

// Has reports whether the next generation already holds the id.
func (in *Ingestion) Has(id string) bool {
	return in.builder != nil && in.builder.Has(id)
}

// Len returns how many intervals the next generation holds so far,
// including those carried over from the previous one.
func (in *Ingestion) Len() int {
	if in.builder == nil {
		return 0
	}
	return in.builder.Len()
}

// AddSource records an upload as a contributor to the dataset.
func (in *Ingestion) AddSource(name, kind string) {
	in.sources = append(in.sources, SourceFile{Name: name, Kind: kind, AddedAt: in.d.reg.now()})
}

// Abort discards everything added and releases the dataset.
func (in *Ingestion) Abort() {
	if in.closed {
		return
	}
	in.closed = true
	in.builder = nil
	in.d.ingesting.Store(false)
}

// Commit freezes the added intervals, builds the index set, and publishes
// the result. The ingestion is closed whether or not Commit succeeds.
func (in *Ingestion) Commit(ctx context.Context) (*Snapshot, error) {
	if in.closed {
		return nil, ErrIngestClosed
	}
	in.closed = true
	defer in.d.ingesting.Store(false)

	reg := in.d.reg
	if err := reg.finalize.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for finalize slot: %w", err)
	}
	start := time.Now()
	store, stats := in.builder.Build()
	in.builder = nil
	snap, err := finalize(ctx, store, stats)
	reg.finalize.Release(1)
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", in.d.label, err)
	}

	in.d.mu.Lock()
	cur := in.d.snap.Load()
	snap.Meta = mergeMeta(cur.Meta, snap.Meta, in.sources, reg.now())
	in.d.publish(snap)
	in.d.mu.Unlock()

	metrics.Get().ObserveFinalize(time.Since(start))
	reg.logger.Info().
		Str("dataset", in.d.label).
		Int("intervals", stats.Intervals).
		Int("broken_links", stats.BrokenLinks).
		Dur("duration", time.Since(start)).
		Msg("Dataset finalized")

	if live, err := reg.Get(in.d.label); err != nil || live != in.d {
		// Purged while ingesting; the result is not persisted.
		return snap, nil
	}
	if reg.persister != nil {
		if err := reg.persister.SaveSnapshot(ctx, snap); err != nil {
			return snap, fmt.Errorf("persist %s: %w", in.d.label, err)
		}
	}
	return snap, nil
}

// finalize turns a frozen store into a snapshot whose Meta carries only the
// derived interval fields.
func finalize(ctx context.Context, store *interval.Store, stats interval.BuildStats) (*Snapshot, error) {
	snap := &Snapshot{
		Meta: Meta{
			IntervalCount: store.Len(),
			BrokenLinks:   stats.BrokenLinks,
			Locations:     []string{},
			Primitives:    []string{},
		},
		Primitives: map[string]PrimitiveStats{},
	}
	if store.Len() == 0 {
		return snap, nil
	}

	set, err := index.Build(ctx, store)
	if err != nil {
		return nil, err
	}
	lo, hi, _ := store.Domain()
	snap.Store = store
	snap.Indexes = set
	snap.Meta.IntervalDomain = &[2]float64{lo, hi}
	snap.Meta.Locations = set.Locations()
	snap.Meta.Primitives = set.Primitives()
	snap.Primitives = primitiveStats(store)
	return snap, nil
}

// mergeMeta combines the identity of the current metadata with the derived
// fields of a freshly finalized snapshot.
func mergeMeta(cur, derived Meta, sources []SourceFile, now time.Time) Meta {
	out := cur.clone()
	out.IntervalCount = derived.IntervalCount
	out.BrokenLinks = derived.BrokenLinks
	out.IntervalDomain = derived.IntervalDomain
	out.Locations = derived.Locations
	out.Primitives = derived.Primitives
	out.SourceFiles = append(out.SourceFiles, sources...)
	out.UpdatedAt = now
	return out
}

// Restore registers a dataset loaded from durable storage. The intervals
// must already carry resolved parent links. Indexes are rebuilt here; they
// are never persisted.
func (r *Registry) Restore(ctx context.Context, meta Meta, intervals []*interval.Interval, code []Code) (*Dataset, error) {
	if err := ValidateLabel(meta.Label); err != nil {
		return nil, err
	}
	store := interval.NewStore(intervals)

	if err := r.finalize.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	snap, err := finalize(ctx, store, interval.BuildStats{Intervals: store.Len(), BrokenLinks: meta.BrokenLinks})
	r.finalize.Release(1)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", meta.Label, err)
	}

	restored := meta.clone()
	restored.IntervalCount = snap.Meta.IntervalCount
	restored.IntervalDomain = snap.Meta.IntervalDomain
	restored.Locations = snap.Meta.Locations
	restored.Primitives = snap.Meta.Primitives
	if restored.SourceFiles == nil {
		restored.SourceFiles = []SourceFile{}
	}
	snap.Meta = restored

	d := &Dataset{label: meta.Label, reg: r, code: make(map[CodeKind]Code)}
	d.snap.Store(snap)
	for _, c := range code {
		d.restoreCode(c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.datasets[meta.Label]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDatasetExists, meta.Label)
	}
	r.datasets[meta.Label] = d
	metrics.Get().SetDatasets(len(r.datasets))
	return d, nil
}
