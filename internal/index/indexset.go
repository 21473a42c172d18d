package index

import (
	"context"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/monalisha31/traveler-integrated/internal/interval"
)

// cancelCheckEvery is how many entries a builder goroutine processes between
// context checks.
const cancelCheckEvery = 4096

// IndexSet is the family of range indexes for one dataset: one over every
// interval, one per location, one per primitive, and one per
// (location, primitive) pair. Every sub-index is a subset of Main.
type IndexSet struct {
	Main *RangeIndex

	locations  map[string]*RangeIndex
	primitives map[string]*RangeIndex
	both       map[string]map[string]*RangeIndex
}

// Build partitions the store and builds all index families concurrently.
func Build(ctx context.Context, store *interval.Store) (*IndexSet, error) {
	var (
		all    []Entry
		byLoc  = make(map[string][]Entry)
		byPrim = make(map[string][]Entry)
		byBoth = make(map[string]map[string][]Entry)
	)
	all = make([]Entry, 0, store.Len())

	n := 0
	for iv := range store.All() {
		if n%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		n++
		e := Entry{ID: iv.ID, Enter: iv.Enter.Timestamp, Leave: iv.Leave.Timestamp}
		all = append(all, e)
		byLoc[iv.Location] = append(byLoc[iv.Location], e)
		byPrim[iv.Primitive] = append(byPrim[iv.Primitive], e)
		inner, ok := byBoth[iv.Location]
		if !ok {
			inner = make(map[string][]Entry)
			byBoth[iv.Location] = inner
		}
		inner[iv.Primitive] = append(inner[iv.Primitive], e)
	}

	set := &IndexSet{
		locations:  make(map[string]*RangeIndex, len(byLoc)),
		primitives: make(map[string]*RangeIndex, len(byPrim)),
		both:       make(map[string]map[string]*RangeIndex, len(byBoth)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		set.Main = NewRangeIndex(all)
		return nil
	})
	g.Go(func() error {
		return buildFamily(gctx, byLoc, set.locations)
	})
	g.Go(func() error {
		return buildFamily(gctx, byPrim, set.primitives)
	})
	g.Go(func() error {
		for loc, prims := range byBoth {
			if err := gctx.Err(); err != nil {
				return err
			}
			inner := make(map[string]*RangeIndex, len(prims))
			if err := buildFamily(gctx, prims, inner); err != nil {
				return err
			}
			set.both[loc] = inner
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

func buildFamily(ctx context.Context, groups map[string][]Entry, out map[string]*RangeIndex) error {
	for key, entries := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		out[key] = NewRangeIndex(entries)
	}
	return nil
}

// Location returns the index for one location.
func (s *IndexSet) Location(loc string) (*RangeIndex, bool) {
	idx, ok := s.locations[loc]
	return idx, ok
}

// Primitive returns the index for one primitive across all locations.
func (s *IndexSet) Primitive(prim string) (*RangeIndex, bool) {
	idx, ok := s.primitives[prim]
	return idx, ok
}

// LocationPrimitive returns the index for one primitive on one location.
func (s *IndexSet) LocationPrimitive(loc, prim string) (*RangeIndex, bool) {
	idx, ok := s.both[loc][prim]
	return idx, ok
}

// Locations returns the indexed locations in sorted order.
func (s *IndexSet) Locations() []string {
	return slices.Sorted(maps.Keys(s.locations))
}

// Primitives returns the indexed primitives in sorted order.
func (s *IndexSet) Primitives() []string {
	return slices.Sorted(maps.Keys(s.primitives))
}
