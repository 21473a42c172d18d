// Package index answers overlap and histogram queries over the intervals of
// one dataset. Every index is built once from a frozen interval.Store and is
// read-only afterwards, so queries need no locking.
package index

import (
	"cmp"
	"iter"
	"slices"
)

// Entry is the (span, id) pair stored in a RangeIndex.
type Entry struct {
	ID    string
	Enter float64
	Leave float64
}

// RangeIndex is a static augmented interval tree. Entries are kept sorted by
// (enter, id) and the tree is implicit: the node for a slice range is its
// midpoint, and maxLeave holds the largest leave in that node's subtree.
type RangeIndex struct {
	entries  []Entry
	maxLeave []float64
}

// NewRangeIndex builds an index over entries. The slice is taken over and
// must not be modified by the caller afterwards.
func NewRangeIndex(entries []Entry) *RangeIndex {
	slices.SortFunc(entries, compareEntries)
	idx := &RangeIndex{
		entries:  entries,
		maxLeave: make([]float64, len(entries)),
	}
	if len(entries) > 0 {
		idx.build(0, len(entries))
	}
	return idx
}

func compareEntries(a, b Entry) int {
	if c := cmp.Compare(a.Enter, b.Enter); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (idx *RangeIndex) build(lo, hi int) float64 {
	mid := int(uint(lo+hi) >> 1)
	m := idx.entries[mid].Leave
	if lo < mid {
		m = max(m, idx.build(lo, mid))
	}
	if mid+1 < hi {
		m = max(m, idx.build(mid+1, hi))
	}
	idx.maxLeave[mid] = m
	return m
}

// Len returns the number of entries.
func (idx *RangeIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// IsEmpty reports whether the index holds no entries.
func (idx *RangeIndex) IsEmpty() bool {
	return idx.Len() == 0
}

// Overlaps reports whether e overlaps [begin, end). A zero-width entry is a
// point t and overlaps when begin <= t < end; closed extends that to t == end.
// Spans overlap when enter < end and leave > begin.
func (e Entry) Overlaps(begin, end float64, closed bool) bool {
	if e.Enter == e.Leave {
		return begin <= e.Enter && (e.Enter < end || closed && e.Enter == end)
	}
	return e.Enter < end && e.Leave > begin
}

// Overlapping yields every entry overlapping [begin, end), in ascending
// (enter, id) order. A window with begin == end stabs a single point with
// spans only. The sequence can be ranged over any number of times; stopping
// early stops the tree walk.
func (idx *RangeIndex) Overlapping(begin, end float64) iter.Seq[Entry] {
	return idx.overlapping(begin, end, false)
}

// OverlappingThrough is Overlapping with the window closed at end, so a
// zero-width entry at end is included. Queries over a whole domain use it.
func (idx *RangeIndex) OverlappingThrough(begin, end float64) iter.Seq[Entry] {
	return idx.overlapping(begin, end, true)
}

func (idx *RangeIndex) overlapping(begin, end float64, closed bool) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		if idx.Len() == 0 {
			return
		}
		idx.search(0, len(idx.entries), begin, end, closed, yield)
	}
}

// search walks the subtree for [lo, hi) in order and returns false once
// yield asks to stop.
func (idx *RangeIndex) search(lo, hi int, begin, end float64, closed bool, yield func(Entry) bool) bool {
	if lo >= hi {
		return true
	}
	mid := int(uint(lo+hi) >> 1)
	// A point at begin still overlaps, so only strictly earlier subtrees
	// are pruned.
	if idx.maxLeave[mid] < begin {
		return true
	}
	if !idx.search(lo, mid, begin, end, closed, yield) {
		return false
	}
	e := idx.entries[mid]
	// Everything from mid onwards enters at or after e.
	if e.Enter > end || e.Enter == end && !closed {
		return true
	}
	if e.Overlaps(begin, end, closed) && !yield(e) {
		return false
	}
	return idx.search(mid+1, hi, begin, end, closed, yield)
}

// Count returns the number of entries overlapping [begin, end).
func (idx *RangeIndex) Count(begin, end float64) int {
	n := 0
	for range idx.Overlapping(begin, end) {
		n++
	}
	return n
}

// Span returns the smallest enter and the largest leave in the index.
func (idx *RangeIndex) Span() (begin, end float64, ok bool) {
	if idx.Len() == 0 {
		return 0, 0, false
	}
	root := int(uint(len(idx.entries)) >> 1)
	return idx.entries[0].Enter, idx.maxLeave[root], true
}
