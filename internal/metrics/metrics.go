// Package metrics provides Prometheus metrics for extraction runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the extraction counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	RowsExtracted        *prometheus.CounterVec
	BatchesFetched       *prometheus.CounterVec
	TablesCompleted      prometheus.Counter
	CurrentTable         prometheus.Gauge
	CheckpointsReported  prometheus.Counter
	CheckpointsCommitted prometheus.Counter
	RetryAttempts        *prometheus.CounterVec
	RowsWritten          *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Address string `yaml:"address" env:"PGEXTRACT_METRICS_ADDR"` // e.g. ":9090"; empty disables the listener
}

// New registers the metrics with reg under namespace. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "pgextract"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RowsExtracted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_extracted_total",
				Help:      "Total number of rows read from source tables",
			},
			[]string{"table"},
		),
		BatchesFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_fetched_total",
				Help:      "Total number of cursor fetches, including empty ones",
			},
			[]string{"table"},
		),
		TablesCompleted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_completed_total",
				Help:      "Total number of tables read to the end",
			},
		),
		CurrentTable: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_table_index",
				Help:      "Index of the table currently being read",
			},
		),
		CheckpointsReported: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_reported_total",
				Help:      "Total number of checkpoints handed to the checkpoint sink",
			},
		),
		CheckpointsCommitted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_committed_total",
				Help:      "Total number of checkpoints persisted after their batch was written",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retried read attempts",
			},
			[]string{"operation"},
		),
		RowsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Total number of rows written to the output",
			},
			[]string{"output"},
		),
	}
}

// AddRows records a fetched batch of n rows for table.
func (m *Metrics) AddRows(table string, n int) {
	if m == nil {
		return
	}
	m.BatchesFetched.WithLabelValues(table).Inc()
	m.RowsExtracted.WithLabelValues(table).Add(float64(n))
}

// TableDone records a finished table and the index of the next one.
func (m *Metrics) TableDone(next int) {
	if m == nil {
		return
	}
	m.TablesCompleted.Inc()
	m.CurrentTable.Set(float64(next))
}

// IncCheckpointsReported increments the reported checkpoints counter.
func (m *Metrics) IncCheckpointsReported() {
	if m == nil {
		return
	}
	m.CheckpointsReported.Inc()
}

// IncCheckpointsCommitted increments the committed checkpoints counter.
func (m *Metrics) IncCheckpointsCommitted() {
	if m == nil {
		return
	}
	m.CheckpointsCommitted.Inc()
}

// IncRetryAttempts increments the retry counter for operation.
func (m *Metrics) IncRetryAttempts(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// AddRowsWritten records n rows written to output.
func (m *Metrics) AddRowsWritten(output string, n int) {
	if m == nil {
		return
	}
	m.RowsWritten.WithLabelValues(output).Add(float64(n))
}

// Handler returns the scrape handler for the default registry, plus /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer serves Handler on address until ctx is cancelled.
func StartServer(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
