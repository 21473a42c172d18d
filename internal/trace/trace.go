// Package trace reconstructs the call-stack ancestry of one interval,
// clipped to a time window, as a lazy stream of interval ids and boundary
// markers.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/monalisha31/traveler-integrated/internal/interval"
)

var (
	// ErrUnknownInterval is returned when the target id is not in the store.
	ErrUnknownInterval = errors.New("unknown interval")

	// ErrBrokenParentLink is yielded when an ancestor referenced by a parent
	// link is missing from the store.
	ErrBrokenParentLink = errors.New("parent link points to a missing interval")
)

// Kind discriminates the items of a trace.
type Kind int

const (
	// KindInterval is a plain interval id.
	KindInterval Kind = iota
	// KindBeyondRight describes the nearest ancestor that starts after the
	// window ends.
	KindBeyondRight
	// KindBeyondLeft describes the nearest ancestor that ends before the
	// window begins.
	KindBeyondLeft
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindBeyondRight:
		return "beyondRight"
	case KindBeyondLeft:
		return "beyondLeft"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Item is one element of a trace. Timestamp is the ancestor's begin
// timestamp for KindBeyondRight and its end timestamp for KindBeyondLeft;
// Location and Timestamp are unused for KindInterval.
type Item struct {
	Kind      Kind
	ID        string
	Location  string
	Timestamp float64
}

// MarshalJSON encodes a plain interval as its id string and a marker as an
// object tagged with its type.
func (it Item) MarshalJSON() ([]byte, error) {
	switch it.Kind {
	case KindInterval:
		return json.Marshal(it.ID)
	case KindBeyondRight:
		return json.Marshal(struct {
			Type           string  `json:"type"`
			ID             string  `json:"id"`
			Location       string  `json:"location"`
			BeginTimestamp float64 `json:"beginTimestamp"`
		}{"beyondRight", it.ID, it.Location, it.Timestamp})
	case KindBeyondLeft:
		return json.Marshal(struct {
			Type         string  `json:"type"`
			ID           string  `json:"id"`
			Location     string  `json:"location"`
			EndTimestamp float64 `json:"endTimestamp"`
		}{"beyondLeft", it.ID, it.Location, it.Timestamp})
	default:
		return nil, fmt.Errorf("trace: cannot encode item of kind %v", it.Kind)
	}
}

// Walk returns the ancestry of targetID within [begin, end). The target is
// looked up eagerly so an unknown id fails before anything is streamed; the
// rest of the chain is resolved as the sequence is consumed. A missing
// ancestor ends the sequence with an ErrBrokenParentLink error.
func Walk(store *interval.Store, targetID string, begin, end float64) (iter.Seq2[Item, error], error) {
	target, ok := store.Get(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterval, targetID)
	}
	return func(yield func(Item, error) bool) {
		walk(store, target, begin, end, yield)
	}, nil
}

func walk(store *interval.Store, target *interval.Interval, begin, end float64, yield func(Item, error) bool) {
	current := target
	lastVisited := target
	rightResolved := false

	for current != nil {
		if !rightResolved && current.Enter.Timestamp <= end {
			var item Item
			if lastVisited == target {
				item = Item{Kind: KindInterval, ID: target.ID}
			} else {
				item = Item{
					Kind:      KindBeyondRight,
					ID:        lastVisited.ID,
					Location:  lastVisited.Location,
					Timestamp: lastVisited.Enter.Timestamp,
				}
			}
			if !yield(item, nil) {
				return
			}
			rightResolved = true
		}

		if current != target {
			if !yield(Item{Kind: KindInterval, ID: current.ID}, nil) {
				return
			}
		}

		if current.Parent == nil {
			current = nil
			break
		}
		if !rightResolved {
			lastVisited = current
		}
		parent, ok := store.Get(current.Parent.ID)
		if !ok {
			yield(Item{}, fmt.Errorf("%w: %s -> %s", ErrBrokenParentLink, current.ID, current.Parent.ID))
			return
		}
		current = parent
		if current.Leave.Timestamp < begin {
			break
		}
	}

	// The walk stopped left of the window rather than at a root.
	if current != nil && current.Parent != nil {
		marker := Item{
			Kind:      KindBeyondLeft,
			ID:        current.Parent.ID,
			Location:  current.Parent.Location,
			Timestamp: current.Parent.EndTimestamp,
		}
		if !yield(marker, nil) {
			return
		}
		yield(Item{Kind: KindInterval, ID: current.ID}, nil)
	}
}
