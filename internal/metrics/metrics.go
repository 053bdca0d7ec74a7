// Package metrics provides Prometheus metrics for the lakehouse ingester.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingester.
// All helper methods are safe to call on a nil receiver.
type Metrics struct {
	// Fetch metrics
	FetchAttempts     *prometheus.CounterVec
	EndpointFailovers *prometheus.CounterVec

	// Load metrics
	Loads        *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec
	RowsWritten  *prometheus.CounterVec

	// Failure metrics
	ChunkFailures       *prometheus.CounterVec
	ReconciliationGaps  *prometheus.CounterVec
	MaintenanceFailures *prometheus.CounterVec

	// Feature store
	DocumentsUpserted *prometheus.CounterVec

	LastBlock prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	initOnce       sync.Once
)

// Init initializes the metrics package with global metrics.
// Only the first call registers collectors; later calls return the same instance.
func Init(namespace string) *Metrics {
	initOnce.Do(func() {
		defaultMetrics = newMetrics(namespace)
	})
	return defaultMetrics
}

func newMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "eth_lakehouse"
	}

	return &Metrics{
		FetchAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Extraction attempts by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		EndpointFailovers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_failovers_total",
				Help:      "Times an RPC endpoint was dropped from the failover list",
			},
			[]string{"operation"},
		),
		Loads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loads_total",
				Help:      "CTAS loads executed by strategy",
			},
			[]string{"layer", "table", "strategy"},
		),
		LoadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "Wall time of a table load including polling",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
			[]string{"layer", "table"},
		),
		RowsWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Rows written to raw parquet files",
			},
			[]string{"table"},
		),
		ChunkFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_failures_total",
				Help:      "Address-partition chunks that failed after retries",
			},
			[]string{"table"},
		),
		ReconciliationGaps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_gaps_total",
				Help:      "Blocks flagged by reconciliation checks",
			},
			[]string{"kind"},
		),
		MaintenanceFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_failures_total",
				Help:      "Failed OPTIMIZE or VACUUM runs",
			},
			[]string{"table"},
		),
		DocumentsUpserted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_upserted_total",
				Help:      "Feature documents upserted into the document store",
			},
			[]string{"collection"},
		),
		LastBlock: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_block",
				Help:      "End block of the last resolved range",
			},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Layer      string
	Table      string
	Operation  string
	Strategy   string
	Collection string
}

func (m *Metrics) IncFetchAttempt(l Labels, outcome string) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(l.Operation, outcome).Inc()
}

func (m *Metrics) IncEndpointFailover(l Labels) {
	if m == nil {
		return
	}
	m.EndpointFailovers.WithLabelValues(l.Operation).Inc()
}

// IncLoads increments the load counter for the chosen strategy.
func (m *Metrics) IncLoads(l Labels) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(l.Layer, l.Table, l.Strategy).Inc()
}

func (m *Metrics) ObserveLoadDuration(l Labels, seconds float64) {
	if m == nil {
		return
	}
	m.LoadDuration.WithLabelValues(l.Layer, l.Table).Observe(seconds)
}

func (m *Metrics) AddRowsWritten(l Labels, rows float64) {
	if m == nil {
		return
	}
	m.RowsWritten.WithLabelValues(l.Table).Add(rows)
}

func (m *Metrics) IncChunkFailures(l Labels) {
	if m == nil {
		return
	}
	m.ChunkFailures.WithLabelValues(l.Table).Inc()
}

// AddReconciliationGaps adds n flagged blocks of the given kind.
func (m *Metrics) AddReconciliationGaps(kind string, n float64) {
	if m == nil {
		return
	}
	m.ReconciliationGaps.WithLabelValues(kind).Add(n)
}

func (m *Metrics) IncMaintenanceFailures(l Labels) {
	if m == nil {
		return
	}
	m.MaintenanceFailures.WithLabelValues(l.Table).Inc()
}

func (m *Metrics) AddDocumentsUpserted(l Labels, n float64) {
	if m == nil {
		return
	}
	m.DocumentsUpserted.WithLabelValues(l.Collection).Add(n)
}

func (m *Metrics) SetLastBlock(block float64) {
	if m == nil {
		return
	}
	m.LastBlock.Set(block)
}
