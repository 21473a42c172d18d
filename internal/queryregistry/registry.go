// Package queryregistry tracks running and recently finished queries so
// they can be listed and cancelled over the API.
package queryregistry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/metrics"
)

// Status is the lifecycle state of a tracked query.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// Kinds of queries the API tracks.
const (
	KindIntervals = "intervals"
	KindTrace     = "trace"
	KindHistogram = "histogram"
)

// ErrCancelled is the cause attached to a query context cancelled through
// the registry.
var ErrCancelled = errors.New("query cancelled")

// Spec describes a query when it is registered.
type Spec struct {
	Kind       string
	Dataset    string
	Params     map[string]string
	RemoteAddr string
}

// Query is the tracked state of one query.
type Query struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Dataset    string            `json:"dataset"`
	Params     map[string]string `json:"params,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Status     Status            `json:"status"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	DurationMs float64           `json:"duration_ms"`
	Items      int               `json:"items"`
	Error      string            `json:"error,omitempty"`
}

type activeEntry struct {
	query  *Query
	cancel context.CancelCauseFunc
}

// RegistryConfig holds configuration for the query registry.
type RegistryConfig struct {
	HistorySize int // finished queries kept (default 100)
}

// Registry tracks active and recently finished queries.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*activeEntry
	history  []*Query // ring buffer
	histSize int
	histHead int // next write position
	histLen  int
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *RegistryConfig, logger zerolog.Logger) *Registry {
	histSize := 100
	if cfg != nil && cfg.HistorySize > 0 {
		histSize = cfg.HistorySize
	}
	return &Registry{
		active:   make(map[string]*activeEntry),
		history:  make([]*Query, histSize),
		histSize: histSize,
		now:      time.Now,
		logger:   logger.With().Str("component", "query-registry").Logger(),
	}
}

// Register starts tracking a query. The returned context is cancelled when
// the query is cancelled through Cancel, with ErrCancelled as its cause.
func (r *Registry) Register(parent context.Context, spec Spec) (string, context.Context) {
	id := uuid.New().String()[:12]
	ctx, cancel := context.WithCancelCause(parent)

	q := &Query{
		ID:         id,
		Kind:       spec.Kind,
		Dataset:    spec.Dataset,
		Params:     spec.Params,
		RemoteAddr: spec.RemoteAddr,
		Status:     StatusRunning,
		StartTime:  r.now(),
	}

	r.mu.Lock()
	r.active[id] = &activeEntry{query: q, cancel: cancel}
	r.mu.Unlock()
	metrics.Get().ActiveQueries.Inc()

	r.logger.Debug().
		Str("query_id", id).
		Str("kind", spec.Kind).
		Str("dataset", spec.Dataset).
		Msg("Query registered")
	return id, ctx
}

// Complete marks a query as finished after streaming items results.
func (r *Registry) Complete(id string, items int) {
	r.finish(id, StatusCompleted, items, "")
}

// Fail marks a query as failed. items counts what was sent before the error.
func (r *Registry) Fail(id string, items int, errMsg string) {
	r.finish(id, StatusFailed, items, errMsg)
}

// Disconnected marks a query whose client went away mid-stream.
func (r *Registry) Disconnected(id string, items int) {
	r.finish(id, StatusDisconnected, items, "client disconnected")
}

// Cancel cancels a running query. It returns false when no running query
// has the id.
func (r *Registry) Cancel(id string) bool {
	r.mu.RLock()
	entry, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	entry.cancel(ErrCancelled)
	if !r.finish(id, StatusCancelled, -1, "") {
		return false
	}
	r.logger.Info().Str("query_id", id).Str("kind", entry.query.Kind).Msg("Query cancelled via API")
	return true
}

// CancelAll cancels every running query and returns how many it stopped.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.Cancel(id) {
			n++
		}
	}
	return n
}

// finish moves a query to history. items < 0 keeps the current count.
func (r *Registry) finish(id string, status Status, items int, errMsg string) bool {
	r.mu.Lock()
	entry, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.active, id)

	now := r.now()
	q := entry.query
	q.Status = status
	q.EndTime = &now
	q.DurationMs = float64(now.Sub(q.StartTime).Microseconds()) / 1000
	if items >= 0 {
		q.Items = items
	}
	q.Error = errMsg
	r.addToHistory(q)
	r.mu.Unlock()

	// Release the context's resources.
	entry.cancel(nil)

	m := metrics.Get()
	m.ActiveQueries.Dec()
	m.ObserveQuery(q.Kind, string(status), now.Sub(q.StartTime))
	return true
}

// GetActive returns copies of the running queries, oldest first.
func (r *Registry) GetActive() []*Query {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	result := make([]*Query, 0, len(r.active))
	for _, entry := range r.active {
		q := *entry.query
		q.DurationMs = float64(now.Sub(q.StartTime).Microseconds()) / 1000
		result = append(result, &q)
	}
	slices.SortFunc(result, func(a, b *Query) int { return a.StartTime.Compare(b.StartTime) })
	return result
}

// GetHistory returns copies of the most recent finished queries, newest
// first. limit <= 0 returns all of them.
func (r *Registry) GetHistory(limit int) []*Query {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.histLen
	if limit > 0 && limit < count {
		count = limit
	}
	result := make([]*Query, 0, count)
	for i := 0; i < count; i++ {
		idx := (r.histHead - 1 - i + r.histSize) % r.histSize
		q := *r.history[idx]
		result = append(result, &q)
	}
	return result
}

// Get returns a copy of a query by id, checking running queries first.
func (r *Registry) Get(id string) *Query {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.active[id]; ok {
		q := *entry.query
		q.DurationMs = float64(r.now().Sub(q.StartTime).Microseconds()) / 1000
		return &q
	}
	for i := 0; i < r.histLen; i++ {
		idx := (r.histHead - 1 - i + r.histSize) % r.histSize
		if r.history[idx].ID == id {
			q := *r.history[idx]
			return &q
		}
	}
	return nil
}

// ActiveCount returns the number of running queries.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// HistoryLen returns the number of queries in history.
func (r *Registry) HistoryLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histLen
}

// addToHistory must be called with mu held.
func (r *Registry) addToHistory(q *Query) {
	r.history[r.histHead] = q
	r.histHead = (r.histHead + 1) % r.histSize
	if r.histLen < r.histSize {
		r.histLen++
	}
}
