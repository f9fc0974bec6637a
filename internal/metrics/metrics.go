// Package metrics provides Prometheus metrics for the flood impact runner.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a run.
type Metrics struct {
	registry *prometheus.Registry

	// Cleaning metrics
	RecordsRead    *prometheus.CounterVec
	RecordsWritten *prometheus.CounterVec
	RecordsDropped *prometheus.CounterVec

	// Engine task metrics
	Tasks          *prometheus.CounterVec
	TasksInFlight  prometheus.Gauge
	EngineDuration *prometheus.HistogramVec

	// Stage metrics
	StageDuration *prometheus.HistogramVec

	// Transfer metrics
	TransferRetries *prometheus.CounterVec
	TransferBytes   *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup; a second call replaces the registry.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "flood_runner"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		RecordsRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_read_total",
				Help:      "Total number of inventory records read",
			},
			[]string{"state"},
		),
		RecordsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_written_total",
				Help:      "Total number of cleaned records written",
			},
			[]string{"state", "flc"},
		),
		RecordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_dropped_total",
				Help:      "Total number of inventory records dropped during cleaning",
			},
			[]string{"state", "reason"},
		),
		Tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_tasks_total",
				Help:      "Engine task outcomes (succeeded, skipped, failed)",
			},
			[]string{"flc", "outcome"},
		),
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "engine_tasks_in_flight",
				Help:      "Number of engine tasks currently running",
			},
		),
		EngineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_duration_seconds",
				Help:      "Wall time of a single engine invocation",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
			},
			[]string{"flc"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of a pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~55m
			},
			[]string{"stage"},
		),
		TransferRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_retries_total",
				Help:      "Total number of failed transfer attempts",
			},
			[]string{"backend", "operation"},
		),
		TransferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Bytes moved to or from object storage",
			},
			[]string{"backend", "operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer serves /metrics and /health until ctx is cancelled.
func StartServer(ctx context.Context, address string) error {
	m := Get()
	if m == nil {
		return errors.New("metrics not initialized")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Labels is a convenience type for metric labels.
type Labels struct {
	State     string
	Category  string
	Outcome   string
	Reason    string
	Stage     string
	Backend   string
	Operation string
}

// AddRecordsRead adds to the records read counter.
func (m *Metrics) AddRecordsRead(l Labels, n float64) {
	m.RecordsRead.WithLabelValues(l.State).Add(n)
}

// AddRecordsWritten adds to the records written counter.
func (m *Metrics) AddRecordsWritten(l Labels, n float64) {
	m.RecordsWritten.WithLabelValues(l.State, l.Category).Add(n)
}

// AddRecordsDropped adds to the records dropped counter.
func (m *Metrics) AddRecordsDropped(l Labels, n float64) {
	m.RecordsDropped.WithLabelValues(l.State, l.Reason).Add(n)
}

// IncTasks increments the task outcome counter.
func (m *Metrics) IncTasks(l Labels) {
	m.Tasks.WithLabelValues(l.Category, l.Outcome).Inc()
}

// SetTasksInFlight sets the number of running engine tasks.
func (m *Metrics) SetTasksInFlight(n float64) {
	m.TasksInFlight.Set(n)
}

// ObserveEngineDuration records a single engine invocation time.
func (m *Metrics) ObserveEngineDuration(l Labels, seconds float64) {
	m.EngineDuration.WithLabelValues(l.Category).Observe(seconds)
}

// ObserveStageDuration records the duration of a pipeline stage.
func (m *Metrics) ObserveStageDuration(l Labels, seconds float64) {
	m.StageDuration.WithLabelValues(l.Stage).Observe(seconds)
}

// IncTransferRetries increments the failed transfer attempt counter.
func (m *Metrics) IncTransferRetries(l Labels) {
	m.TransferRetries.WithLabelValues(l.Backend, l.Operation).Inc()
}

// AddTransferBytes adds to the transferred bytes counter.
func (m *Metrics) AddTransferBytes(l Labels, n float64) {
	m.TransferBytes.WithLabelValues(l.Backend, l.Operation).Add(n)
}
