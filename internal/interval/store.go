package interval

import (
	"iter"
	"slices"
)

// Store is the immutable arena of finalized intervals for one dataset.
// It is safe for concurrent readers.
type Store struct {
	byID    map[string]*Interval
	ordered []*Interval // ascending by (enter, id)

	minTimestamp float64
	maxTimestamp float64
}

// Get returns the interval with the given id.
func (s *Store) Get(id string) (*Interval, bool) {
	if s == nil {
		return nil, false
	}
	iv, ok := s.byID[id]
	return iv, ok
}

// Len returns the number of intervals in the store.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

// All yields every interval in ascending (enter, id) order.
func (s *Store) All() iter.Seq[*Interval] {
	return func(yield func(*Interval) bool) {
		if s == nil {
			return
		}
		for _, iv := range s.ordered {
			if !yield(iv) {
				return
			}
		}
	}
}

// Domain returns the global time domain [min enter, max leave]. ok is false
// for an empty store.
func (s *Store) Domain() (minTimestamp, maxTimestamp float64, ok bool) {
	if s.Len() == 0 {
		return 0, 0, false
	}
	return s.minTimestamp, s.maxTimestamp, true
}

// NewStore freezes intervals whose parent links are already resolved. The
// links are not checked; use a Builder for unresolved records.
func NewStore(intervals []*Interval) *Store {
	slices.SortFunc(intervals, func(a, b *Interval) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		default:
			return 0
		}
	})

	s := &Store{
		byID:    make(map[string]*Interval, len(intervals)),
		ordered: intervals,
	}
	for i, iv := range intervals {
		s.byID[iv.ID] = iv
		if i == 0 || iv.Enter.Timestamp < s.minTimestamp {
			s.minTimestamp = iv.Enter.Timestamp
		}
		if i == 0 || iv.Leave.Timestamp > s.maxTimestamp {
			s.maxTimestamp = iv.Leave.Timestamp
		}
	}
	return s
}
