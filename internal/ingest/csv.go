// Package ingest turns uploaded profiler output into interval records.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/interval"
)

// ErrMissingColumn is returned when the CSV header lacks a required column.
var ErrMissingColumn = errors.New("csv header is missing a required column")

// Sink receives parsed records. dataset.Ingestion implements it.
type Sink interface {
	Add(rec interval.Record) error
	Has(id string) bool
	Len() int
}

// CSVStats summarizes one event log.
type CSVStats struct {
	Rows            int `json:"rows"`
	Intervals       int `json:"intervals"`
	UnmatchedLeaves int `json:"unmatched_leaves"`
	UnclosedEnters  int `json:"unclosed_enters"`
	SkippedRows     int `json:"skipped_rows"`
	InvalidUTF8     int `json:"invalid_utf8"`
}

const checkCtxEvery = 4096

type columns struct {
	location, primitive, timestamp, event int
	extra                                 []int
	header                                []string
}

func resolveColumns(header []string) (columns, error) {
	cols := columns{location: -1, primitive: -1, timestamp: -1, event: -1, header: header}
	name := -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "Location":
			cols.location = i
		case "Primitive":
			cols.primitive = i
		case "Timestamp":
			cols.timestamp = i
		case "Event":
			cols.event = i
		case "Name":
			name = i
		default:
			cols.extra = append(cols.extra, i)
		}
	}
	// Name stands in for Primitive only when Primitive is absent.
	if name >= 0 {
		if cols.primitive < 0 {
			cols.primitive = name
		} else {
			cols.extra = append(cols.extra, name)
		}
	}

	var missing []string
	if cols.location < 0 {
		missing = append(missing, "Location")
	}
	if cols.primitive < 0 {
		missing = append(missing, "Primitive")
	}
	if cols.timestamp < 0 {
		missing = append(missing, "Timestamp")
	}
	if cols.event < 0 {
		missing = append(missing, "Event")
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return cols, nil
}

func (c columns) fields(row []string, stats *CSVStats) map[string]any {
	var out map[string]any
	for _, i := range c.extra {
		if i >= len(row) || row[i] == "" {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(c.extra))
		}
		out[strings.TrimSpace(c.header[i])] = stats.clean(row[i])
	}
	return out
}

// clean makes a field safe to hand to JSON and Arrow encoders, counting
// the fields that needed repair.
func (s *CSVStats) clean(v string) string {
	v, changed := sanitizeUTF8(v)
	if changed {
		s.InvalidUTF8++
	}
	return v
}

type frame struct {
	id        string
	primitive string
	enter     interval.Event
}

// ParseEventCSV reads an event log with one ENTER or LEAVE event per row and
// pairs events into intervals using a call stack per location. The parent
// of each interval is the frame below it on its location's stack. Ids are
// decimal strings numbered from the sink's current size, skipping ids the
// sink already holds.
//
// Unmatched LEAVE rows and ENTER rows never closed are counted, not fatal.
func ParseEventCSV(ctx context.Context, r io.Reader, sink Sink, logger zerolog.Logger) (CSVStats, error) {
	var stats CSVStats
	log := logger.With().Str("component", "csv-ingest").Logger()

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return stats, fmt.Errorf("%w: empty input", ErrMissingColumn)
		}
		return stats, fmt.Errorf("read csv header: %w", err)
	}
	cols, err := resolveColumns(append([]string(nil), header...))
	if err != nil {
		return stats, err
	}

	nextID := sink.Len()
	allocID := func() string {
		for {
			id := strconv.Itoa(nextID)
			nextID++
			if !sink.Has(id) {
				return id
			}
		}
	}

	stacks := make(map[string][]frame)
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return stats, fmt.Errorf("read csv line %d: %w", line, err)
		}
		stats.Rows++
		if stats.Rows%checkCtxEvery == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		if len(row) <= max(cols.location, cols.primitive, cols.timestamp, cols.event) {
			stats.SkippedRows++
			log.Debug().Int("line", line).Msg("Skipping short row")
			continue
		}
		ts, err := strconv.ParseFloat(strings.TrimSpace(row[cols.timestamp]), 64)
		if err != nil {
			stats.SkippedRows++
			log.Debug().Int("line", line).Str("timestamp", row[cols.timestamp]).Msg("Skipping row with bad timestamp")
			continue
		}
		loc := stats.clean(row[cols.location])
		prim := stats.clean(row[cols.primitive])
		ev := interval.Event{Timestamp: ts, Fields: cols.fields(row, &stats)}

		switch strings.ToUpper(strings.TrimSpace(row[cols.event])) {
		case "ENTER":
			stacks[loc] = append(stacks[loc], frame{id: allocID(), primitive: prim, enter: ev})

		case "LEAVE":
			stack := stacks[loc]
			pos := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].primitive == prim {
					pos = i
					break
				}
			}
			if pos < 0 {
				stats.UnmatchedLeaves++
				log.Debug().Int("line", line).Str("location", loc).Str("primitive", prim).Msg("LEAVE without matching ENTER")
				continue
			}
			// Frames above the match were never closed.
			stats.UnclosedEnters += len(stack) - 1 - pos

			top := stack[pos]
			rec := interval.Record{
				ID:        top.id,
				Location:  loc,
				Primitive: prim,
				Enter:     top.enter,
				Leave:     ev,
			}
			if pos > 0 {
				rec.ParentID = stack[pos-1].id
			}
			stacks[loc] = stack[:pos]

			if err := sink.Add(rec); err != nil {
				if errors.Is(err, interval.ErrInvalidSpan) {
					stats.SkippedRows++
					log.Debug().Err(err).Int("line", line).Msg("Skipping interval")
					continue
				}
				return stats, fmt.Errorf("csv line %d: %w", line, err)
			}
			stats.Intervals++

		default:
			stats.SkippedRows++
		}
	}

	for _, stack := range stacks {
		stats.UnclosedEnters += len(stack)
	}
	if stats.UnmatchedLeaves > 0 || stats.UnclosedEnters > 0 || stats.SkippedRows > 0 || stats.InvalidUTF8 > 0 {
		log.Warn().
			Int("unmatched_leaves", stats.UnmatchedLeaves).
			Int("unclosed_enters", stats.UnclosedEnters).
			Int("skipped_rows", stats.SkippedRows).
			Int("invalid_utf8", stats.InvalidUTF8).
			Msg("Event log had inconsistent rows")
	}
	return stats, nil
}
