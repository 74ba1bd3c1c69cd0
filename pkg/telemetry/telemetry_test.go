package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmove/pkg/config"
)

func TestLoggerMirrorsJSONToFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, err := NewLogger(LoggingConfig{
		Level:     "info",
		Directory: dir,
		FileName:  "run.log",
		Console:   &console,
		NoColor:   true,
	})
	require.NoError(t, err)

	logger.WithRunID("run-1").Info().Str("phase", "backup").Msg("Phase started")
	logger.Debug().Msg("hidden")
	require.NoError(t, logger.Close())

	assert.Contains(t, console.String(), "Phase started")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &event))
	assert.Equal(t, "Phase started", event["message"])
	assert.Equal(t, "run-1", event["run_id"])
	assert.Equal(t, "backup", event["phase"])
	assert.Equal(t, filepath.Join(dir, "run.log"), logger.Path())
}

func TestLoggerConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, err := NewLogger(LoggingConfig{Console: &console, NoColor: true})
	require.NoError(t, err)

	gw := logger.Component("gateway")
	gw.Warn().Msg("reachability check failed")
	assert.Contains(t, console.String(), "reachability check failed")
	assert.Empty(t, logger.Path())
	assert.NoError(t, logger.Close())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLogLevel("debug").String())
	assert.Equal(t, "info", parseLogLevel("bogus").String())
}

func TestMetricsRecordAndWrite(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "hostmove"})
	require.NoError(t, err)

	m.RecordPhase("backup", "succeeded", 2*time.Second)
	m.RecordPhase("backup", "succeeded", time.Second)
	m.RecordPhase("domain-leave", "failed", time.Second)
	m.RecordRun("in_progress")
	m.AddBackupBytes(2048)
	m.RecordRestoreItems("restored", 3)
	m.RecordPreflightCheck("fail")
	m.RecordError("mutation")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.phases.WithLabelValues("backup", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phases.WithLabelValues("domain-leave", "failed")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.backupBytes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.restoreItems.WithLabelValues("restored")))

	path := filepath.Join(t.TempDir(), "metrics", "hostmove.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `hostmove_phases_total{phase="backup",status="succeeded"} 2`)
	assert.Contains(t, string(data), "hostmove_backup_bytes_total 2048")
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	m.RecordPhase("backup", "succeeded", time.Second)
	m.RecordRun("completed")
	m.AddBackupBytes(10)
	assert.Nil(t, m.Gatherer())

	path := filepath.Join(t.TempDir(), "hostmove.prom")
	require.NoError(t, m.WriteTextfile(path))
	assert.NoFileExists(t, path)
}

func TestTracerWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace-run-1.json")
	tracer, err := NewTracer(TracingConfig{Enabled: true, Path: path, SamplingRate: 1}, "hostmove", "test")
	require.NoError(t, err)

	ctx, run := tracer.StartRunSpan(context.Background(), "run-1", false)
	_, phase := tracer.StartPhaseSpan(ctx, "run-1", "backup")
	RecordError(phase, errors.New("disk full"), "mutation")
	phase.End()
	RecordSuccess(run)
	run.End()

	require.NoError(t, tracer.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "phase.backup")
	assert.Contains(t, string(data), "run.execute")
	assert.Contains(t, string(data), "disk full")
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "hostmove", "test")
	require.NoError(t, err)
	_, span := tracer.StartRunSpan(context.Background(), "run-1", true)
	span.End()
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		Logging:   config.LoggingConfig{Directory: "/var/log/hostmove", Level: "debug"},
		Telemetry: config.TelemetryConfig{Metrics: true, Tracing: true},
	}

	tc := FromConfig(cfg, "run-1", "1.2.3")
	require.NoError(t, tc.Validate())
	assert.Equal(t, "hostmove-run-1.log", tc.Logging.FileName)
	assert.Equal(t, "/var/log/hostmove/trace-run-1.json", tc.Tracing.Path)
	assert.Equal(t, "/var/log/hostmove/hostmove.prom", tc.Metrics.TextfilePath)
	assert.True(t, tc.Metrics.Enabled)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestTelemetryLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := FromConfig(&config.Config{
		Logging:   config.LoggingConfig{Directory: dir, Level: "info"},
		Telemetry: config.TelemetryConfig{Metrics: true},
	}, "run-2", "test")
	cfg.Logging.Console = &bytes.Buffer{}

	tel, err := New(cfg)
	require.NoError(t, err)

	tel.Logger.Info().Msg("hello")
	tel.Metrics.RecordRun("completed")
	require.NoError(t, tel.Shutdown(context.Background()))

	assert.FileExists(t, filepath.Join(dir, "hostmove-run-2.log"))
	assert.FileExists(t, filepath.Join(dir, "hostmove.prom"))
}
