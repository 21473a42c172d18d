package ingest

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/monalisha31/traveler-integrated/internal/interval"
)

const recordsJSON = `[
	{"intervalId": "P", "location": "0", "primitive": "root",
	 "enter": {"Timestamp": 0}, "leave": {"Timestamp": 40}},
	{"intervalId": "T", "location": "1", "primitive": "leaf",
	 "enter": {"Timestamp": 15, "Thread": "w1"}, "leave": {"Timestamp": 25}, "parentId": "P"},
	{"intervalId": "bad", "location": "1", "primitive": "leaf",
	 "enter": {"Timestamp": 9}, "leave": {"Timestamp": 3}}
]`

func TestRecordDecoder_JSON(t *testing.T) {
	sink := newMemSink()
	stats, err := NewRecordDecoder(zerolog.Nop()).Decode(context.Background(), []byte(recordsJSON), FormatJSON, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 1, stats.Skipped)

	leaf := sink.byPrimitive("leaf")
	assert.Equal(t, "P", leaf.ParentID)
	assert.Equal(t, map[string]any{"Thread": "w1"}, leaf.Enter.Fields)
}

func TestRecordDecoder_MsgPack(t *testing.T) {
	recs := []interval.Record{
		{ID: "1", Location: "0", Primitive: "run", Enter: interval.Event{Timestamp: 1}, Leave: interval.Event{Timestamp: 2}},
		{ID: "2", Location: "0", Primitive: "io", Enter: interval.Event{Timestamp: 1.5}, Leave: interval.Event{Timestamp: 1.75}, ParentID: "1"},
	}
	data, err := msgpack.Marshal(recs)
	require.NoError(t, err)

	sink := newMemSink()
	stats, err := NewRecordDecoder(zerolog.Nop()).Decode(context.Background(), data, FormatMsgPack, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, recs, sink.records)
}

func TestRecordDecoder_Compressed(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, err := w.Write([]byte(recordsJSON))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	sink := newMemSink()
	stats, err := NewRecordDecoder(zerolog.Nop()).Decode(context.Background(), gz.Bytes(), FormatJSON, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte(recordsJSON), nil)
	require.NoError(t, enc.Close())

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, recordsJSON, string(out))
}

func TestRecordDecoder_Malformed(t *testing.T) {
	dec := NewRecordDecoder(zerolog.Nop())

	_, err := dec.Decode(context.Background(), []byte(`{"intervalId":"1"}`), FormatJSON, newMemSink())
	assert.ErrorIs(t, err, ErrMalformedRecords)

	_, err = dec.Decode(context.Background(), []byte(`[{"intervalId":"1","enter":{}}]`), FormatJSON, newMemSink())
	assert.ErrorIs(t, err, ErrMalformedRecords)

	_, err = dec.Decode(context.Background(), []byte{0xc1}, FormatMsgPack, newMemSink())
	assert.ErrorIs(t, err, ErrMalformedRecords)
}

func TestRecordDecoder_DuplicateIsFatal(t *testing.T) {
	data := []byte(`[
		{"intervalId":"1","enter":{"Timestamp":0},"leave":{"Timestamp":1}},
		{"intervalId":"1","enter":{"Timestamp":0},"leave":{"Timestamp":1}}
	]`)
	_, err := NewRecordDecoder(zerolog.Nop()).Decode(context.Background(), data, FormatJSON, newMemSink())
	assert.ErrorIs(t, err, interval.ErrDuplicateID)
}

func TestFormatFromContentType(t *testing.T) {
	assert.Equal(t, FormatMsgPack, FormatFromContentType("application/msgpack"))
	assert.Equal(t, FormatMsgPack, FormatFromContentType("application/x-msgpack; charset=binary"))
	assert.Equal(t, FormatJSON, FormatFromContentType("application/json"))
	assert.Equal(t, FormatJSON, FormatFromContentType(""))
}
