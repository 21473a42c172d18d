package interval

import (
	"fmt"
)

// Record is an interval as produced by ingestion, before parent links have
// been resolved against the rest of the dataset.
type Record struct {
	ID        string `json:"intervalId" msgpack:"intervalId"`
	Location  string `json:"location" msgpack:"location"`
	Primitive string `json:"primitive" msgpack:"primitive"`
	Enter     Event  `json:"enter" msgpack:"enter"`
	Leave     Event  `json:"leave" msgpack:"leave"`
	ParentID  string `json:"parentId,omitempty" msgpack:"parentId,omitempty"`
}

// BuildStats summarizes a Build call.
type BuildStats struct {
	Intervals int `json:"intervals"`
	// BrokenLinks counts parent references that were dropped because the
	// parent is absent or the reference closed a cycle.
	BrokenLinks int `json:"broken_links"`
}

// Builder accumulates records until Build freezes them into a Store.
// A Builder is not safe for concurrent use.
type Builder struct {
	records map[string]*Record
	order   []string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{records: make(map[string]*Record)}
}

// NewBuilderFrom returns a builder seeded with every interval of s, so a new
// generation of a dataset can extend the previous one.
func NewBuilderFrom(s *Store) *Builder {
	b := NewBuilder()
	for iv := range s.All() {
		rec := &Record{
			ID:        iv.ID,
			Location:  iv.Location,
			Primitive: iv.Primitive,
			Enter:     iv.Enter,
			Leave:     iv.Leave,
		}
		if iv.Parent != nil {
			rec.ParentID = iv.Parent.ID
		}
		b.records[rec.ID] = rec
		b.order = append(b.order, rec.ID)
	}
	return b
}

// Add appends one record.
func (b *Builder) Add(rec Record) error {
	if rec.ID == "" {
		return ErrMissingID
	}
	if rec.Leave.Timestamp < rec.Enter.Timestamp {
		return fmt.Errorf("%w: %s (enter=%g, leave=%g)", ErrInvalidSpan, rec.ID, rec.Enter.Timestamp, rec.Leave.Timestamp)
	}
	if _, exists := b.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	r := rec
	b.records[r.ID] = &r
	b.order = append(b.order, r.ID)
	return nil
}

// Has reports whether a record with the id was added.
func (b *Builder) Has(id string) bool {
	_, ok := b.records[id]
	return ok
}

// Len returns the number of records added so far.
func (b *Builder) Len() int {
	return len(b.order)
}

// Build resolves parent ids into links and returns the frozen store. The
// builder must not be used afterwards.
func (b *Builder) Build() (*Store, BuildStats) {
	stats := BuildStats{Intervals: len(b.order)}

	parents := make(map[string]string, len(b.order))
	for _, id := range b.order {
		p := b.records[id].ParentID
		if p == "" {
			continue
		}
		if _, ok := b.records[p]; !ok || p == id {
			stats.BrokenLinks++
			continue
		}
		parents[id] = p
	}
	stats.BrokenLinks += cutCycles(b.order, parents)

	intervals := make([]*Interval, 0, len(b.order))
	for _, id := range b.order {
		rec := b.records[id]
		iv := &Interval{
			ID:        rec.ID,
			Location:  rec.Location,
			Primitive: rec.Primitive,
			Enter:     rec.Enter,
			Leave:     rec.Leave,
		}
		if pid, ok := parents[id]; ok {
			parent := b.records[pid]
			iv.Parent = &ParentLink{
				ID:           parent.ID,
				Location:     parent.Location,
				EndTimestamp: parent.Leave.Timestamp,
			}
		}
		intervals = append(intervals, iv)
	}

	b.records = nil
	b.order = nil
	return NewStore(intervals), stats
}

// cutCycles removes the parent reference that closes each cycle and returns
// how many were removed. Every chain is visited once.
func cutCycles(order []string, parents map[string]string) int {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]uint8, len(order))
	var path []string
	cut := 0

	for _, id := range order {
		path = path[:0]
		cur := id
		for {
			st := state[cur]
			if st == done {
				break
			}
			if st == onPath {
				delete(parents, cur)
				cut++
				break
			}
			state[cur] = onPath
			path = append(path, cur)
			p, ok := parents[cur]
			if !ok {
				break
			}
			cur = p
		}
		for _, n := range path {
			state[n] = done
		}
	}
	return cut
}
