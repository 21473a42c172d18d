package logger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time     `json:"timestamp"`
	Level     zerolog.Level `json:"-"`
	LevelName string        `json:"level"`
	Component string        `json:"component,omitempty"`
	Dataset   string        `json:"dataset,omitempty"`
	QueryID   string        `json:"query_id,omitempty"`
	Message   string        `json:"message"`
	Error     string        `json:"error,omitempty"`
	Caller    string        `json:"caller,omitempty"`
}

// Filter selects entries from the buffer.
type Filter struct {
	Limit     int           // at most this many, 0 for all
	MinLevel  zerolog.Level // entries below are skipped
	Since     time.Duration // 0 for no age limit
	Component string
	Dataset   string
}

// Buffer is a fixed-size ring of recent entries. It implements
// zerolog.LevelWriter so it can sit beside the real output.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	writePos int
	count    int
	now      func() time.Time
}

var (
	globalBuffer *Buffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer, holding the last 10000 entries.
func GetBuffer() *Buffer {
	bufferOnce.Do(func() {
		globalBuffer = NewBuffer(10000)
	})
	return globalBuffer
}

// NewBuffer creates a buffer holding size entries.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{entries: make([]Entry, size), now: time.Now}
}

// Write decodes a zerolog JSON line whose level is embedded in it.
func (b *Buffer) Write(p []byte) (int, error) {
	return b.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel decodes one zerolog JSON line and stores it. Lines that are
// not JSON objects are dropped.
func (b *Buffer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var line struct {
		Time      string `json:"time"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Dataset   string `json:"dataset"`
		QueryID   string `json:"query_id"`
		Message   string `json:"message"`
		Error     string `json:"error"`
		Caller    string `json:"caller"`
	}
	if err := json.Unmarshal(p, &line); err != nil {
		return len(p), nil
	}
	if level == zerolog.NoLevel && line.Level != "" {
		if l, err := zerolog.ParseLevel(line.Level); err == nil {
			level = l
		}
	}
	ts := b.now()
	if t, err := time.Parse(zerolog.TimeFieldFormat, line.Time); err == nil {
		ts = t
	}

	b.Add(Entry{
		Timestamp: ts,
		Level:     level,
		LevelName: level.String(),
		Component: line.Component,
		Dataset:   line.Dataset,
		QueryID:   line.QueryID,
		Message:   line.Message,
		Error:     line.Error,
		Caller:    line.Caller,
	})
	return len(p), nil
}

// Add stores an entry, evicting the oldest when full.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.writePos] = e
	b.writePos = (b.writePos + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns matching entries, newest first.
func (b *Buffer) Recent(f Filter) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var cutoff time.Time
	if f.Since > 0 {
		cutoff = b.now().Add(-f.Since)
	}
	size := len(b.entries)
	result := []Entry{}
	for i := 0; i < b.count; i++ {
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
		e := b.entries[(b.writePos-1-i+size)%size]
		switch {
		case !cutoff.IsZero() && e.Timestamp.Before(cutoff):
			continue
		case e.Level != zerolog.NoLevel && e.Level < f.MinLevel:
			continue
		case f.Component != "" && e.Component != f.Component:
			continue
		case f.Dataset != "" && e.Dataset != f.Dataset:
			continue
		}
		result = append(result, e)
	}
	return result
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
