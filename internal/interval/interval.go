// Package interval holds the immutable interval records of a dataset and the
// arena that owns them. Parent references are ids into the arena, never
// pointers, so an ancestor chain is a sequence of Store lookups.
package interval

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned when an interval id is added twice.
	ErrDuplicateID = errors.New("duplicate interval id")

	// ErrInvalidSpan is returned when leave precedes enter.
	ErrInvalidSpan = errors.New("interval leave precedes enter")

	// ErrMissingID is returned when a record has no id.
	ErrMissingID = errors.New("interval id is required")
)

// Event is one side (enter or leave) of an interval. Fields carries whatever
// annotation columns ingestion attached to the event.
type Event struct {
	Timestamp float64        `json:"Timestamp" msgpack:"Timestamp"`
	Fields    map[string]any `json:"-" msgpack:"fields,omitempty"`
}

// ParentLink points at the most recent enclosing interval. Location and
// EndTimestamp duplicate the parent's values so boundary markers can be
// produced without looking the parent up.
type ParentLink struct {
	ID           string  `json:"id" msgpack:"id"`
	Location     string  `json:"location" msgpack:"loc"`
	EndTimestamp float64 `json:"endTimestamp" msgpack:"end"`
}

// Interval is one timed occurrence of a primitive on a location.
type Interval struct {
	ID        string      `json:"intervalId" msgpack:"id"`
	Location  string      `json:"Location" msgpack:"loc"`
	Primitive string      `json:"Primitive" msgpack:"prim"`
	Enter     Event       `json:"enter" msgpack:"enter"`
	Leave     Event       `json:"leave" msgpack:"leave"`
	Parent    *ParentLink `json:"lastParentInterval,omitempty" msgpack:"parent,omitempty"`
}

// Duration returns leave minus enter.
func (iv *Interval) Duration() float64 {
	return iv.Leave.Timestamp - iv.Enter.Timestamp
}

// IsRoot reports whether the interval has no enclosing interval.
func (iv *Interval) IsRoot() bool {
	return iv.Parent == nil
}

// Overlaps reports whether the interval intersects the half-open window
// [begin, end).
func (iv *Interval) Overlaps(begin, end float64) bool {
	return iv.Enter.Timestamp < end && iv.Leave.Timestamp > begin
}

// Validate checks the record invariants that do not need the rest of the
// dataset.
func (iv *Interval) Validate() error {
	if iv.ID == "" {
		return ErrMissingID
	}
	if iv.Leave.Timestamp < iv.Enter.Timestamp {
		return fmt.Errorf("%w: %s (enter=%g, leave=%g)", ErrInvalidSpan, iv.ID, iv.Enter.Timestamp, iv.Leave.Timestamp)
	}
	return nil
}

// Less orders intervals by enter timestamp, then by id.
func Less(a, b *Interval) bool {
	if a.Enter.Timestamp != b.Enter.Timestamp {
		return a.Enter.Timestamp < b.Enter.Timestamp
	}
	return a.ID < b.ID
}

// MarshalJSON flattens the annotation fields next to Timestamp, which is the
// shape clients of the interval listing expect.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["Timestamp"] = e.Timestamp
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flattened form written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, ok := raw["Timestamp"]
	if !ok {
		return errors.New("event is missing Timestamp")
	}
	f, ok := toFloat(ts)
	if !ok {
		return fmt.Errorf("event Timestamp is not numeric: %v", ts)
	}
	e.Timestamp = f
	delete(raw, "Timestamp")
	if len(raw) > 0 {
		e.Fields = raw
	} else {
		e.Fields = nil
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
