package index

import (
	"errors"
	"fmt"
)

// ErrSelectorNotFound is wrapped by every SelectorError.
var ErrSelectorNotFound = errors.New("selector not found")

// Reason says which part of a Selector missed.
type Reason string

const (
	ReasonUnknownLocation             Reason = "unknown_location"
	ReasonUnknownPrimitiveForLocation Reason = "unknown_primitive_for_location"
	ReasonUnknownPrimitive            Reason = "unknown_primitive"
)

// SelectorError reports a location, primitive or combination that has no
// index in the set.
type SelectorError struct {
	Reason    Reason
	Location  string
	Primitive string
}

func (e *SelectorError) Error() string {
	switch e.Reason {
	case ReasonUnknownLocation:
		return fmt.Sprintf("no index for location: %s", e.Location)
	case ReasonUnknownPrimitiveForLocation:
		return fmt.Sprintf("no index for location, primitive combination: %s, %s", e.Location, e.Primitive)
	default:
		return fmt.Sprintf("no index for primitive: %s", e.Primitive)
	}
}

func (e *SelectorError) Unwrap() error {
	return ErrSelectorNotFound
}

// Selector narrows a query to a location, a primitive, or both. Empty fields
// are absent.
type Selector struct {
	Location  string
	Primitive string
}

// Resolve picks the index matching sel. A location is checked before its
// primitive, so an unknown location is reported as such even when a
// primitive is also given.
func (s *IndexSet) Resolve(sel Selector) (*RangeIndex, error) {
	switch {
	case sel.Location != "":
		if _, ok := s.locations[sel.Location]; !ok {
			return nil, &SelectorError{Reason: ReasonUnknownLocation, Location: sel.Location, Primitive: sel.Primitive}
		}
		if sel.Primitive == "" {
			return s.locations[sel.Location], nil
		}
		idx, ok := s.both[sel.Location][sel.Primitive]
		if !ok {
			return nil, &SelectorError{Reason: ReasonUnknownPrimitiveForLocation, Location: sel.Location, Primitive: sel.Primitive}
		}
		return idx, nil
	case sel.Primitive != "":
		idx, ok := s.primitives[sel.Primitive]
		if !ok {
			return nil, &SelectorError{Reason: ReasonUnknownPrimitive, Primitive: sel.Primitive}
		}
		return idx, nil
	default:
		return s.Main, nil
	}
}
