package telemetry

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/openfroyo/hostmove/pkg/config"
)

// Config contains the telemetry configuration for one hostmove process.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// RunID scopes the log and trace files of a run. It may be empty for
	// commands that do not belong to a run.
	RunID string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Directory receives the JSON run log. Empty disables the file mirror.
	Directory string

	// FileName is the run log name inside Directory.
	FileName string

	// Console receives human-readable output. Nil means stderr.
	Console io.Writer

	// NoColor disables colors on the console.
	NoColor bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	Enabled bool

	// Path is the file spans are written to as JSON.
	Path string

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	Enabled bool

	// Namespace is the metrics namespace prefix.
	Namespace string

	// TextfilePath receives the metrics in the Prometheus text format when
	// the process ends, for pickup by a node exporter textfile collector.
	TextfilePath string
}

// FromConfig derives the telemetry configuration of a run from the
// migration configuration.
func FromConfig(cfg *config.Config, runID, version string) *Config {
	name := "hostmove.log"
	trace := "trace.json"
	if runID != "" {
		name = "hostmove-" + runID + ".log"
		trace = "trace-" + runID + ".json"
	}
	return &Config{
		ServiceName:    "hostmove",
		ServiceVersion: version,
		RunID:          runID,
		Logging: LoggingConfig{
			Level:     cfg.Logging.Level,
			Directory: cfg.Logging.Directory,
			FileName:  name,
		},
		Tracing: TracingConfig{
			Enabled:      cfg.Telemetry.Tracing,
			Path:         filepath.Join(cfg.Logging.Directory, trace),
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:      cfg.Telemetry.Metrics,
			Namespace:    "hostmove",
			TextfilePath: filepath.Join(cfg.Logging.Directory, "hostmove.prom"),
		},
	}
}

// DefaultConfig returns a console-only configuration, used before the
// migration configuration has been loaded.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "hostmove",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "hostmove",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"": true, "trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Tracing.Enabled && c.Tracing.Path == "" {
		return fmt.Errorf("trace path is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
