// Package metrics exposes Prometheus instrumentation for exchange requests,
// pagination and ingestion. Metrics live on a private registry so tests and
// multiple instances never collide on the global one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingestor.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PagesFetched     *prometheus.CounterVec   // labels: exchange
	CandlesIngested  *prometheus.CounterVec   // labels: exchange, mode
	IngestFailures   *prometheus.CounterVec   // labels: exchange, reason
	ExchangeRequests *prometheus.CounterVec   // labels: exchange, status
	PageFetchSeconds *prometheus.HistogramVec // labels: exchange
	JobsInFlight     prometheus.Gauge
}

// New registers and returns all metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_pages_fetched_total",
			Help: "Candle pages returned by exchanges",
		}, []string{"exchange"}),
		CandlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_candles_ingested_total",
			Help: "New candles committed to the store (by ingest mode)",
		}, []string{"exchange", "mode"}),
		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_ingest_failures_total",
			Help: "Ingest calls that left the store untouched (by error class)",
		}, []string{"exchange", "reason"}),
		ExchangeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_exchange_requests_total",
			Help: "HTTP requests sent to exchanges (by status code, 0 for no response)",
		}, []string{"exchange", "status"}),
		PageFetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ohlcv_page_fetch_seconds",
			Help:    "Latency of a single candle page request",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_collector_jobs_in_flight",
			Help: "Collector ingest jobs currently running",
		}),
	}

	m.registry.MustRegister(
		m.PagesFetched,
		m.CandlesIngested,
		m.IngestFailures,
		m.ExchangeRequests,
		m.PageFetchSeconds,
		m.JobsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one exchange HTTP request.
func (m *Metrics) ObserveRequest(exchange string, status int) {
	if m == nil {
		return
	}
	m.ExchangeRequests.WithLabelValues(exchange, strconv.Itoa(status)).Inc()
}

// ObservePage records one successful page and its latency.
func (m *Metrics) ObservePage(exchange string, d time.Duration) {
	if m == nil {
		return
	}
	m.PagesFetched.WithLabelValues(exchange).Inc()
	m.PageFetchSeconds.WithLabelValues(exchange).Observe(d.Seconds())
}

// ObserveIngest records the outcome of one ingest call.
func (m *Metrics) ObserveIngest(exchange, mode string, added int) {
	if m == nil {
		return
	}
	m.CandlesIngested.WithLabelValues(exchange, mode).Add(float64(added))
}

// ObserveFailure records an ingest that did not commit.
func (m *Metrics) ObserveFailure(exchange, reason string) {
	if m == nil {
		return
	}
	m.IngestFailures.WithLabelValues(exchange, reason).Inc()
}

// JobStarted and JobFinished track collector concurrency.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
}
