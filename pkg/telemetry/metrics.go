package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for a migration run. A disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	phases        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	backupBytes   prometheus.Counter
	restoreItems  *prometheus.CounterVec
	preflight     *prometheus.CounterVec
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		phases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_total",
				Help:      "Total number of phases reaching a terminal status",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"phase"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of run invocations by resulting state",
			},
			[]string{"state"},
		),
		backupBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backup_bytes_total",
				Help:      "Total bytes copied into backups",
			},
		),
		restoreItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restore_items_total",
				Help:      "Total number of restore items by outcome",
			},
			[]string{"outcome"},
		),
		preflight: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "preflight_checks_total",
				Help:      "Total number of preflight checks by outcome",
			},
			[]string{"outcome"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.phases,
		m.phaseDuration,
		m.runs,
		m.backupBytes,
		m.restoreItems,
		m.preflight,
		m.errorsByClass,
	)

	return m, nil
}

// RecordPhase records a phase reaching a terminal status.
func (m *Metrics) RecordPhase(phase, status string, duration time.Duration) {
	if m.phases == nil {
		return
	}
	m.phases.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRun records the state a run invocation ended in.
func (m *Metrics) RecordRun(state string) {
	if m.runs == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}

// AddBackupBytes adds to the copied byte count.
func (m *Metrics) AddBackupBytes(n int64) {
	if m.backupBytes == nil || n <= 0 {
		return
	}
	m.backupBytes.Add(float64(n))
}

// RecordRestoreItems records restore outcomes.
func (m *Metrics) RecordRestoreItems(outcome string, n int) {
	if m.restoreItems == nil || n <= 0 {
		return
	}
	m.restoreItems.WithLabelValues(outcome).Add(float64(n))
}

// RecordPreflightCheck records one preflight check outcome.
func (m *Metrics) RecordPreflightCheck(outcome string) {
	if m.preflight == nil {
		return
	}
	m.preflight.WithLabelValues(outcome).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Gatherer exposes the registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the current metrics to path in the Prometheus text
// format. It is a no-op when metrics are disabled or path is empty.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
