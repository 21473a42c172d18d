package interval

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, loc, prim string, enter, leave float64, parent string) Record {
	return Record{
		ID:        id,
		Location:  loc,
		Primitive: prim,
		Enter:     Event{Timestamp: enter},
		Leave:     Event{Timestamp: leave},
		ParentID:  parent,
	}
}

func TestBuilder_RejectsBadRecords(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add(record("1", "0", "run", 0, 10, "")))

	assert.ErrorIs(t, b.Add(record("1", "0", "run", 5, 6, "")), ErrDuplicateID)
	assert.ErrorIs(t, b.Add(record("2", "0", "run", 10, 5, "")), ErrInvalidSpan)
	assert.ErrorIs(t, b.Add(record("", "0", "run", 0, 1, "")), ErrMissingID)
	// Zero-width intervals are legal.
	assert.NoError(t, b.Add(record("3", "0", "run", 4, 4, "")))
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Has("3"))
}

func TestBuilder_ResolvesParentLinks(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add(record("T", "1", "leaf", 15, 25, "P")))
	require.NoError(t, b.Add(record("P", "0", "root", 0, 40, "")))
	require.NoError(t, b.Add(record("O", "1", "orphan", 1, 2, "missing")))

	store, stats := b.Build()
	assert.Equal(t, 3, stats.Intervals)
	assert.Equal(t, 1, stats.BrokenLinks)

	tgt, ok := store.Get("T")
	require.True(t, ok)
	require.NotNil(t, tgt.Parent)
	assert.Equal(t, ParentLink{ID: "P", Location: "0", EndTimestamp: 40}, *tgt.Parent)
	assert.False(t, tgt.IsRoot())

	orphan, ok := store.Get("O")
	require.True(t, ok)
	assert.True(t, orphan.IsRoot())
}

func TestBuilder_CutsCycles(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add(record("a", "0", "x", 0, 10, "b")))
	require.NoError(t, b.Add(record("b", "0", "x", 0, 10, "c")))
	require.NoError(t, b.Add(record("c", "0", "x", 0, 10, "a")))
	require.NoError(t, b.Add(record("self", "0", "x", 0, 10, "self")))

	store, stats := b.Build()
	assert.Equal(t, 2, stats.BrokenLinks)

	// Every chain now ends at a root.
	for iv := range store.All() {
		seen := map[string]bool{}
		cur := iv
		for cur.Parent != nil {
			require.False(t, seen[cur.ID], "cycle through %s", cur.ID)
			seen[cur.ID] = true
			next, ok := store.Get(cur.Parent.ID)
			require.True(t, ok)
			cur = next
		}
	}
}

func TestStore_OrderAndDomain(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add(record("c", "0", "x", 5, 7, "")))
	require.NoError(t, b.Add(record("b", "0", "x", 1, 50, "")))
	require.NoError(t, b.Add(record("a", "0", "x", 1, 3, "")))

	store, _ := b.Build()
	var order []string
	for iv := range store.All() {
		order = append(order, iv.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)

	lo, hi, ok := store.Domain()
	require.True(t, ok)
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 50.0, hi)
}

func TestStore_Empty(t *testing.T) {
	store, _ := NewBuilder().Build()
	assert.Equal(t, 0, store.Len())
	_, _, ok := store.Domain()
	assert.False(t, ok)

	var nilStore *Store
	assert.Equal(t, 0, nilStore.Len())
	_, ok = nilStore.Get("x")
	assert.False(t, ok)
	assert.Empty(t, slices.Collect(nilStore.All()))
}

func TestNewBuilderFrom_ExtendsGeneration(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add(record("1", "0", "root", 0, 100, "")))
	first, _ := b.Build()

	next := NewBuilderFrom(first)
	assert.Equal(t, 1, next.Len())
	require.NoError(t, next.Add(record("2", "0", "child", 10, 20, "1")))
	assert.ErrorIs(t, next.Add(record("1", "0", "dup", 0, 1, "")), ErrDuplicateID)

	second, stats := next.Build()
	assert.Equal(t, 0, stats.BrokenLinks)
	assert.Equal(t, 2, second.Len())
	assert.Equal(t, 1, first.Len())

	child, _ := second.Get("2")
	require.NotNil(t, child.Parent)
	assert.Equal(t, 100.0, child.Parent.EndTimestamp)
}

func TestInterval_Overlaps(t *testing.T) {
	iv := &Interval{Enter: Event{Timestamp: 10}, Leave: Event{Timestamp: 20}}
	assert.True(t, iv.Overlaps(15, 30))
	assert.True(t, iv.Overlaps(0, 11))
	assert.False(t, iv.Overlaps(20, 30))
	assert.False(t, iv.Overlaps(0, 10))
	assert.Equal(t, 10.0, iv.Duration())
}

func TestInterval_Validate(t *testing.T) {
	assert.ErrorIs(t, (&Interval{}).Validate(), ErrMissingID)
	bad := &Interval{ID: "x", Enter: Event{Timestamp: 2}, Leave: Event{Timestamp: 1}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSpan)
}

func TestEvent_JSONFlattensFields(t *testing.T) {
	ev := Event{Timestamp: 1.5, Fields: map[string]any{"Thread": "main"}}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Timestamp":1.5,"Thread":"main"}`, string(data))

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev, back)

	assert.Error(t, json.Unmarshal([]byte(`{"Thread":"main"}`), &back))
	assert.Error(t, json.Unmarshal([]byte(`{"Timestamp":"soon"}`), &back))
}

func TestInterval_JSONShape(t *testing.T) {
	iv := Interval{
		ID:        "7",
		Location:  "1",
		Primitive: "run",
		Enter:     Event{Timestamp: 1},
		Leave:     Event{Timestamp: 2},
		Parent:    &ParentLink{ID: "3", Location: "1", EndTimestamp: 9},
	}
	data, err := json.Marshal(iv)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"intervalId": "7",
		"Location": "1",
		"Primitive": "run",
		"enter": {"Timestamp": 1},
		"leave": {"Timestamp": 2},
		"lastParentInterval": {"id": "3", "location": "1", "endTimestamp": 9}
	}`, string(data))
}
