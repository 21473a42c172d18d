// Package dataset owns the collection of loaded datasets and exposes the
// query operations over them. Each dataset publishes an immutable Snapshot;
// ingestion builds the next snapshot off to the side and swaps it in on
// commit, so readers never see a partially built index.
package dataset

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monalisha31/traveler-integrated/internal/index"
	"github.com/monalisha31/traveler-integrated/internal/interval"
)

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateLabel checks that a label is usable as a storage path segment.
func ValidateLabel(label string) error {
	if !labelPattern.MatchString(label) {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return nil
}

// SourceFile records one upload that contributed to a dataset.
type SourceFile struct {
	Name    string    `json:"name" msgpack:"name"`
	Kind    string    `json:"kind" msgpack:"kind"`
	AddedAt time.Time `json:"addedAt" msgpack:"added_at"`
}

// Meta describes a dataset. The JSON field names follow what the traveler
// front end reads. IntervalDomain is nil until interval data has been
// committed.
type Meta struct {
	Label          string       `json:"label" msgpack:"label"`
	CreatedAt      time.Time    `json:"createdAt" msgpack:"created_at"`
	UpdatedAt      time.Time    `json:"updatedAt" msgpack:"updated_at"`
	IntervalCount  int          `json:"intervalCount" msgpack:"interval_count"`
	BrokenLinks    int          `json:"brokenLinks,omitempty" msgpack:"broken_links,omitempty"`
	IntervalDomain *[2]float64  `json:"intervalDomain,omitempty" msgpack:"interval_domain,omitempty"`
	Locations      []string     `json:"locations" msgpack:"locations"`
	Primitives     []string     `json:"primitives" msgpack:"primitives"`
	SourceFiles    []SourceFile `json:"sourceFiles" msgpack:"source_files"`
}

func (m Meta) clone() Meta {
	out := m
	if m.IntervalDomain != nil {
		d := *m.IntervalDomain
		out.IntervalDomain = &d
	}
	out.Locations = slices.Clone(m.Locations)
	out.Primitives = slices.Clone(m.Primitives)
	out.SourceFiles = slices.Clone(m.SourceFiles)
	return out
}

// Snapshot is the published, read-only state of a dataset. Store and Indexes
// are nil until interval data has been committed.
type Snapshot struct {
	Meta       Meta
	Store      *interval.Store
	Indexes    *index.IndexSet
	Primitives map[string]PrimitiveStats
}

// HasIntervals reports whether queries can run against the snapshot.
func (s *Snapshot) HasIntervals() bool {
	return s != nil && s.Indexes != nil
}

// Dataset is one independently ingested and queried unit.
type Dataset struct {
	label string
	reg   *Registry

	snap      atomic.Pointer[Snapshot]
	ingesting atomic.Bool

	// mu serializes snapshot publication and guards code.
	mu   sync.Mutex
	code map[CodeKind]Code
}

func newDataset(reg *Registry, label string, now time.Time) *Dataset {
	d := &Dataset{label: label, reg: reg, code: make(map[CodeKind]Code)}
	d.snap.Store(&Snapshot{
		Meta: Meta{
			Label:       label,
			CreatedAt:   now,
			UpdatedAt:   now,
			Locations:   []string{},
			Primitives:  []string{},
			SourceFiles: []SourceFile{},
		},
		Primitives: map[string]PrimitiveStats{},
	})
	return d
}

// Label returns the dataset label.
func (d *Dataset) Label() string {
	return d.label
}

// Snapshot returns the currently published state.
func (d *Dataset) Snapshot() *Snapshot {
	return d.snap.Load()
}

// Meta returns a copy of the current metadata.
func (d *Dataset) Meta() Meta {
	return d.snap.Load().Meta.clone()
}

// Ingesting reports whether an ingestion is in flight.
func (d *Dataset) Ingesting() bool {
	return d.ingesting.Load()
}

// Code returns the attached source code of the given kind.
func (d *Dataset) Code(kind CodeKind) (Code, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.code[kind]
	if !ok {
		return Code{}, fmt.Errorf("%w: %s", ErrCodeNotFound, kind)
	}
	return c, nil
}

// CodeKinds returns the kinds of source code attached to the dataset.
func (d *Dataset) CodeKinds() []CodeKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.code))
}

// publish swaps in a new snapshot derived from the current one. Must be
// called with mu held.
func (d *Dataset) publish(next *Snapshot) {
	d.snap.Store(next)
}
