// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every collector the service reports.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests      *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
	Queries           *prometheus.CounterVec
	QueryLatency      *prometheus.HistogramVec
	ActiveQueries     prometheus.Gauge
	ItemsStreamed     *prometheus.CounterVec
	IntervalsIngested *prometheus.CounterVec
	FinalizeLatency   prometheus.Histogram
	Datasets          prometheus.Gauge
	StorageOps        *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	DatasetsPurged    prometheus.Counter

	logger zerolog.Logger
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traveler_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_queries_total",
			Help: "Queries by kind and outcome",
		}, []string{"kind", "outcome"}),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traveler_query_duration_seconds",
			Help:    "Query latency by kind",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"kind"}),
		ActiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traveler_active_queries",
			Help: "Streamed queries currently running",
		}),
		ItemsStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_streamed_items_total",
			Help: "Items written to streamed responses by query kind",
		}, []string{"kind"}),
		IntervalsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_ingested_intervals_total",
			Help: "Intervals accepted by ingestion source",
		}, []string{"source"}),
		FinalizeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "traveler_finalize_duration_seconds",
			Help:    "Time to build the store and indexes of a dataset",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Datasets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traveler_datasets",
			Help: "Datasets currently registered",
		}),
		StorageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traveler_storage_operations_total",
			Help: "Snapshot storage operations by operation and outcome",
		}, []string{"op", "outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "traveler_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
		DatasetsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traveler_datasets_purged_total",
			Help: "Datasets removed by the retention job",
		}),
	}

	reg.MustRegister(
		m.HTTPRequests, m.HTTPLatency,
		m.Queries, m.QueryLatency, m.ActiveQueries, m.ItemsStreamed,
		m.IntervalsIngested, m.FinalizeLatency, m.Datasets,
		m.StorageOps, m.BreakerState, m.DatasetsPurged,
	)
	return m
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics, registered on a private registry
// together with the Go runtime and process collectors.
func Get() *Metrics {
	once.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		instance = New(reg)
		instance.registry = reg
		instance.logger = zerolog.Nop()
	})
	return instance
}

// Init attaches a logger to the process-wide metrics.
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{ErrorLog: promLogger{m}})
}

type promLogger struct{ m *Metrics }

func (l promLogger) Println(v ...interface{}) {
	l.m.logger.Error().Msg(fmt.Sprint(v...))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveQuery records a finished query. outcome is "ok", "error" or "cancelled".
func (m *Metrics) ObserveQuery(kind, outcome string, d time.Duration) {
	m.Queries.WithLabelValues(kind, outcome).Inc()
	m.QueryLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) AddStreamed(kind string, n int) {
	m.ItemsStreamed.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) AddIngested(source string, n int) {
	m.IntervalsIngested.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ObserveFinalize(d time.Duration) { m.FinalizeLatency.Observe(d.Seconds()) }

func (m *Metrics) SetDatasets(n int) { m.Datasets.Set(float64(n)) }

// StorageOp counts a storage call; err decides the outcome label.
func (m *Metrics) StorageOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StorageOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
