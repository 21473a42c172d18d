package dataset

import (
	"context"
	"fmt"
	"iter"

	"github.com/monalisha31/traveler-integrated/internal/index"
	"github.com/monalisha31/traveler-integrated/internal/interval"
	"github.com/monalisha31/traveler-integrated/internal/trace"
)

// DefaultBins is the histogram resolution used when a caller gives none.
const DefaultBins = 100

// Window bounds a query in time. A nil bound defaults to the matching edge
// of the dataset's interval domain.
type Window struct {
	Begin *float64
	End   *float64
}

// Resolve fills missing bounds from the domain. closed reports that end was
// taken from the domain, in which case the window includes end itself so a
// zero-width interval at the domain maximum is not lost.
func (w Window) Resolve(domain [2]float64) (begin, end float64, closed bool) {
	begin, end = domain[0], domain[1]
	if w.Begin != nil {
		begin = *w.Begin
	}
	if w.End != nil {
		end = *w.End
	}
	return begin, end, w.End == nil
}

// HistogramQuery selects the index, window and aggregation of a histogram.
type HistogramQuery struct {
	Mode     index.Mode
	Bins     int
	Window   Window
	Selector index.Selector
}

// DefaultHistogramQuery returns a utilization histogram with DefaultBins
// buckets over the whole domain of the main index.
func DefaultHistogramQuery() HistogramQuery {
	return HistogramQuery{Mode: index.ModeUtilization, Bins: DefaultBins}
}

// Queryable returns the snapshot of a dataset that holds interval data.
func (r *Registry) Queryable(label string) (*Snapshot, error) {
	d, err := r.Get(label)
	if err != nil {
		return nil, err
	}
	snap := d.Snapshot()
	if !snap.HasIntervals() {
		return nil, fmt.Errorf("%w: %s", ErrIndexUnavailable, label)
	}
	return snap, nil
}

// ListOverlapping streams the intervals that overlap the window in
// ascending (enter, id) order. An index entry missing from the store ends
// the sequence with ErrIndexCorrupt.
func (r *Registry) ListOverlapping(label string, w Window) (iter.Seq2[*interval.Interval, error], error) {
	snap, err := r.Queryable(label)
	if err != nil {
		return nil, err
	}
	begin, end, closed := w.Resolve(*snap.Meta.IntervalDomain)
	entries := snap.Indexes.Main.Overlapping(begin, end)
	if closed {
		entries = snap.Indexes.Main.OverlappingThrough(begin, end)
	}
	return func(yield func(*interval.Interval, error) bool) {
		for e := range entries {
			iv, ok := snap.Store.Get(e.ID)
			if !ok {
				yield(nil, fmt.Errorf("%w: interval %q of dataset %s", ErrIndexCorrupt, e.ID, label))
				return
			}
			if !yield(iv, nil) {
				return
			}
		}
	}, nil
}

// Histogram computes a histogram over the index chosen by q.Selector. It
// stops with the context's cause once ctx is done.
func (r *Registry) Histogram(ctx context.Context, label string, q HistogramQuery) ([]float64, error) {
	if q.Bins > r.maxBins {
		return nil, fmt.Errorf("%w: bins=%d exceeds the limit of %d", ErrInvalidWindow, q.Bins, r.maxBins)
	}
	snap, err := r.Queryable(label)
	if err != nil {
		return nil, err
	}
	idx, err := snap.Indexes.Resolve(q.Selector)
	if err != nil {
		return nil, err
	}
	begin, end, _ := q.Window.Resolve(*snap.Meta.IntervalDomain)
	return index.Histogram(ctx, idx, q.Mode, q.Bins, begin, end)
}

// Trace streams the ancestry of one interval clipped to the window.
func (r *Registry) Trace(label, intervalID string, w Window) (iter.Seq2[trace.Item, error], error) {
	snap, err := r.Queryable(label)
	if err != nil {
		return nil, err
	}
	begin, end, _ := w.Resolve(*snap.Meta.IntervalDomain)
	return trace.Walk(snap.Store, intervalID, begin, end)
}

// Primitives returns per-primitive statistics. A dataset without interval
// data has none.
func (r *Registry) Primitives(label string) (map[string]PrimitiveStats, error) {
	d, err := r.Get(label)
	if err != nil {
		return nil, err
	}
	return d.Snapshot().Primitives, nil
}
