package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/monalisha31/traveler-integrated/internal/interval"
)

// Format identifies the encoding of an interval record upload.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgPack
)

func (f Format) String() string {
	if f == FormatMsgPack {
		return "msgpack"
	}
	return "json"
}

// ErrMalformedRecords is returned when a record upload cannot be decoded.
var ErrMalformedRecords = errors.New("malformed interval records")

// FormatFromContentType picks the record format from a Content-Type header.
func FormatFromContentType(contentType string) Format {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "msgpack") || strings.Contains(ct, "messagepack") {
		return FormatMsgPack
	}
	return FormatJSON
}

// RecordStats summarizes one record upload.
type RecordStats struct {
	Records int `json:"records"`
	Skipped int `json:"skipped"`
}

// RecordDecoder reads arrays of interval records in JSON or MessagePack.
type RecordDecoder struct {
	logger zerolog.Logger
}

// NewRecordDecoder creates a record decoder.
func NewRecordDecoder(logger zerolog.Logger) *RecordDecoder {
	return &RecordDecoder{
		logger: logger.With().Str("component", "record-decoder").Logger(),
	}
}

// Decode reads an array of records from data, decompressing it first when
// it is gzip or zstd framed, and adds every record to sink. Records the sink
// rejects as invalid spans are skipped; any other sink error is fatal.
func (d *RecordDecoder) Decode(ctx context.Context, data []byte, format Format, sink Sink) (RecordStats, error) {
	var stats RecordStats
	payload, err := Decompress(data)
	if err != nil {
		return stats, err
	}

	add := func(rec interval.Record) error {
		if err := sink.Add(rec); err != nil {
			if errors.Is(err, interval.ErrInvalidSpan) || errors.Is(err, interval.ErrMissingID) {
				stats.Skipped++
				d.logger.Debug().Err(err).Msg("Skipping interval record")
				return nil
			}
			return err
		}
		stats.Records++
		if stats.Records%checkCtxEvery == 0 {
			return ctx.Err()
		}
		return nil
	}

	switch format {
	case FormatMsgPack:
		err = decodeMsgPack(payload, add)
	default:
		err = decodeJSON(payload, add)
	}
	if err != nil {
		return stats, err
	}
	if stats.Skipped > 0 {
		d.logger.Warn().Int("skipped", stats.Skipped).Msg("Skipped invalid interval records")
	}
	return stats, nil
}

func decodeJSON(data []byte, add func(interval.Record) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecords, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("%w: expected a JSON array", ErrMalformedRecords)
	}
	for i := 0; dec.More(); i++ {
		var rec interval.Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrMalformedRecords, i, err)
		}
		if err := add(rec); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecords, err)
	}
	return nil
}

func decodeMsgPack(data []byte, add func(interval.Record) error) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecords, err)
	}
	for i := 0; i < n; i++ {
		var rec interval.Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrMalformedRecords, i, err)
		}
		if err := add(rec); err != nil {
			return err
		}
	}
	return nil
}
