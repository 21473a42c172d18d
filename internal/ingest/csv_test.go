package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monalisha31/traveler-integrated/internal/interval"
)

// memSink collects records the way an ingestion does.
type memSink struct {
	b       *interval.Builder
	records []interval.Record
}

func newMemSink() *memSink { return &memSink{b: interval.NewBuilder()} }

func (s *memSink) Add(rec interval.Record) error {
	if err := s.b.Add(rec); err != nil {
		return err
	}
	s.records = append(s.records, rec)
	return nil
}
func (s *memSink) Has(id string) bool { return s.b.Has(id) }
func (s *memSink) Len() int           { return s.b.Len() }

func (s *memSink) byPrimitive(prim string) interval.Record {
	for _, r := range s.records {
		if r.Primitive == prim {
			return r
		}
	}
	return interval.Record{}
}

const nestedLog = `Location,Primitive,Timestamp,Event,Thread
0,main,0,ENTER,t0
0,compute,10,ENTER,t0
0,compute,40,LEAVE,t0
1,io,5,ENTER,
1,io,7,LEAVE,
0,main,100,LEAVE,t0
`

func TestParseEventCSV_PairsEventsIntoIntervals(t *testing.T) {
	sink := newMemSink()
	stats, err := ParseEventCSV(context.Background(), strings.NewReader(nestedLog), sink, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Rows)
	assert.Equal(t, 3, stats.Intervals)
	assert.Zero(t, stats.UnmatchedLeaves)
	assert.Zero(t, stats.UnclosedEnters)

	main := sink.byPrimitive("main")
	compute := sink.byPrimitive("compute")
	io := sink.byPrimitive("io")

	assert.Equal(t, 0.0, main.Enter.Timestamp)
	assert.Equal(t, 100.0, main.Leave.Timestamp)
	assert.Empty(t, main.ParentID)
	assert.Equal(t, main.ID, compute.ParentID)
	assert.Empty(t, io.ParentID)
	assert.Equal(t, "1", io.Location)

	assert.Equal(t, map[string]any{"Thread": "t0"}, compute.Enter.Fields)
	assert.Nil(t, io.Enter.Fields)

	// Parents resolve once the builder is frozen.
	store, bs := sink.b.Build()
	assert.Zero(t, bs.BrokenLinks)
	c, ok := store.Get(compute.ID)
	require.True(t, ok)
	require.NotNil(t, c.Parent)
	assert.Equal(t, 100.0, c.Parent.EndTimestamp)
}

func TestParseEventCSV_NameColumnAlias(t *testing.T) {
	log := "Timestamp,Event,Location,Name\n1,ENTER,a,run\n2,leave,a,run\n"
	sink := newMemSink()
	stats, err := ParseEventCSV(context.Background(), strings.NewReader(log), sink, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Intervals)
	assert.Equal(t, "run", sink.records[0].Primitive)
}

func TestParseEventCSV_MissingColumns(t *testing.T) {
	_, err := ParseEventCSV(context.Background(), strings.NewReader("Location,Timestamp\n"), newMemSink(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrMissingColumn)
	assert.ErrorContains(t, err, "Primitive")
	assert.ErrorContains(t, err, "Event")

	_, err = ParseEventCSV(context.Background(), strings.NewReader(""), newMemSink(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestParseEventCSV_InconsistentRowsAreCounted(t *testing.T) {
	log := `Location,Primitive,Timestamp,Event
0,a,0,ENTER
0,b,1,ENTER
0,a,5,LEAVE
0,z,6,LEAVE
0,c,7,ENTER
0,c,oops,LEAVE
0,c,8,RESUME
`
	sink := newMemSink()
	stats, err := ParseEventCSV(context.Background(), strings.NewReader(log), sink, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Intervals)
	assert.Equal(t, 1, stats.UnmatchedLeaves)
	// b is abandoned when a closes; c never closes.
	assert.Equal(t, 2, stats.UnclosedEnters)
	assert.Equal(t, 2, stats.SkippedRows)
}

func TestParseEventCSV_IdsContinueExistingGeneration(t *testing.T) {
	sink := newMemSink()
	require.NoError(t, sink.Add(interval.Record{ID: "0", Enter: interval.Event{Timestamp: 0}, Leave: interval.Event{Timestamp: 1}}))
	require.NoError(t, sink.Add(interval.Record{ID: "2", Enter: interval.Event{Timestamp: 0}, Leave: interval.Event{Timestamp: 1}}))

	log := "Location,Primitive,Timestamp,Event\n0,a,0,ENTER\n0,a,1,LEAVE\n0,b,2,ENTER\n0,b,3,LEAVE\n"
	_, err := ParseEventCSV(context.Background(), strings.NewReader(log), sink, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "3", sink.byPrimitive("a").ID)
	assert.Equal(t, "4", sink.byPrimitive("b").ID)
}

func TestParseEventCSV_Cancelled(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Location,Primitive,Timestamp,Event\n")
	for i := 0; i < checkCtxEvery+10; i++ {
		sb.WriteString("0,a,1,ENTER\n")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ParseEventCSV(ctx, strings.NewReader(sb.String()), newMemSink(), zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
}
