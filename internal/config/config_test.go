package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TICKREGIONS_TICK_RATE",
		"TICKREGIONS_TICK_THREADS",
		"TICKREGIONS_MAX_CATCHUP_TICKS",
		"TICKREGIONS_WALKERS",
		"TICKREGIONS_PROFILE_DIR",
		"TICKREGIONS_METRICS_ADDR",
		"TICKREGIONS_HEALTH_ADDR",
		"TICKREGIONS_TRACING_ENABLED",
		"TICKREGIONS_TRACING_EXPORTER",
		"TICKREGIONS_TRACING_SERVICE_NAME",
		"TICKREGIONS_TRACING_SAMPLE_RATIO",
		"TICKREGIONS_OTLP_ENDPOINT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"LOG_ADD_SOURCE",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "regionsim.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	want.Normalize()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("Load(\"\") mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
tick:
  tick_rate: 40
  tick_threads: 3
adjacency:
  diagonals: true
  radius: 2
maintenance:
  interval: 50ms
profiler:
  output_dir: /tmp/profiles
  default_duration: 30s
load:
  walkers: 2
  spread: 64
logging:
  level: DEBUG
  format: json
tracing:
  enabled: true
  exporter: otlp
  endpoint: collector:4317
  sample_ratio: 0.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tick.TickRate != 40 || cfg.Tick.TickThreads != 3 {
		t.Fatalf("tick = %+v, want rate 40 threads 3", cfg.Tick)
	}
	if cfg.Tick.MaxCatchupTicks != 100 {
		t.Fatalf("max_catchup_ticks = %d, want default 100", cfg.Tick.MaxCatchupTicks)
	}
	if cfg.Adjacency != (regionizer.Adjacency{Diagonals: true, Radius: 2}) {
		t.Fatalf("adjacency = %+v", cfg.Adjacency)
	}
	if cfg.Maintenance.Interval != 50*time.Millisecond {
		t.Fatalf("maintenance.interval = %v, want 50ms", cfg.Maintenance.Interval)
	}
	if cfg.Profiler.OutputDir != "/tmp/profiles" || cfg.Profiler.DefaultDuration != 30*time.Second {
		t.Fatalf("profiler = %+v", cfg.Profiler)
	}
	if cfg.Load.Walkers != 2 || cfg.Load.Spread != 64 {
		t.Fatalf("load = %+v", cfg.Load)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.SampleRatio != 0.5 {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TICKREGIONS_TICK_RATE", "10")
	t.Setenv("TICKREGIONS_TICK_THREADS", "not-a-number")
	t.Setenv("TICKREGIONS_METRICS_ADDR", ":9999")
	t.Setenv("LOG_LEVEL", "warn")
	path := writeFile(t, "tick:\n  tick_rate: 40\n  tick_threads: 2\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tick.TickRate != 10 {
		t.Fatalf("tick_rate = %d, want env value 10", cfg.Tick.TickRate)
	}
	if cfg.Tick.TickThreads != 2 {
		t.Fatalf("tick_threads = %d, want file value 2", cfg.Tick.TickThreads)
	}
	if cfg.Metrics.Addr != ":9999" {
		t.Fatalf("metrics.addr = %q, want :9999", cfg.Metrics.Addr)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging.level = %q, want warn", cfg.Logging.Level)
	}
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.Normalize()
	if cfg.Tick.TickRate != 20 {
		t.Fatalf("tick_rate = %d, want 20", cfg.Tick.TickRate)
	}
	if cfg.Adjacency.Radius != 1 {
		t.Fatalf("adjacency.radius = %d, want 1", cfg.Adjacency.Radius)
	}
	if cfg.Maintenance.Interval <= 0 || cfg.Load.StepInterval <= 0 || cfg.Profiler.DefaultDuration <= 0 {
		t.Fatalf("durations not defaulted: %+v", cfg)
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Fatalf("tracing.exporter = %q, want stdout", cfg.Tracing.Exporter)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
tick:
  tick_rate: 5000
logging:
  level: loud
tracing:
  exporter: zipkin
  sample_ratio: 2
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{path, "tick_rate", "logging.level", "tracing.exporter", "sample_ratio"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %q", msg, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !os.IsNotExist(err) {
		t.Fatalf("Load missing file error = %v, want not-exist", err)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "tick: [unterminated\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), path) {
		t.Fatalf("Load malformed error = %v, want error naming %s", err, path)
	}
}
