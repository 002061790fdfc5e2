// Package config loads the regionsim runtime configuration from YAML with
// TICKREGIONS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/observability"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/internal/tickloop"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Tick        tickloop.Config             `yaml:"tick"`
	Adjacency   regionizer.Adjacency        `yaml:"adjacency"`
	Maintenance MaintenanceConfig           `yaml:"maintenance"`
	Profiler    ProfilerConfig              `yaml:"profiler"`
	Load        LoadConfig                  `yaml:"load"`
	Logging     logging.Config              `yaml:"logging"`
	Metrics     MetricsConfig               `yaml:"metrics"`
	Health      HealthConfig                `yaml:"health"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
}

// MaintenanceConfig paces ticket expiry and profiler deadline checks.
type MaintenanceConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Accelerated bool          `yaml:"accelerated"`
}

type ProfilerConfig struct {
	OutputDir       string        `yaml:"output_dir"`
	DefaultDuration time.Duration `yaml:"default_duration"`
	DefaultRadius   int           `yaml:"default_radius"` // blocks
}

// LoadConfig drives the synthetic walkers that keep cells ticketed.
type LoadConfig struct {
	Walkers      int           `yaml:"walkers"`
	Spread       int           `yaml:"spread"` // blocks
	ViewRadius   int32         `yaml:"view_radius"`
	StepInterval time.Duration `yaml:"step_interval"`
	Seed         int64         `yaml:"seed"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads path (optional), overlays the environment, then normalizes and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg = FromEnv(cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		if path == "" {
			path = "config"
		}
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Tick:      tickloop.DefaultConfig(),
		Adjacency: regionizer.DefaultAdjacency,
		Maintenance: MaintenanceConfig{
			Interval: 250 * time.Millisecond,
		},
		Profiler: ProfilerConfig{
			OutputDir:       "profiles",
			DefaultDuration: 10 * time.Second,
			DefaultRadius:   128,
		},
		Load: LoadConfig{
			Walkers:      8,
			Spread:       512,
			ViewRadius:   2,
			StepInterval: 200 * time.Millisecond,
			Seed:         1,
		},
		Logging: logging.Config{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Health:  HealthConfig{Addr: ":50051"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// FromEnv overlays TICKREGIONS_*, LOG_* and tracing variables onto base.
// Malformed numeric values are ignored.
func FromEnv(base Config) Config {
	cfg := base
	if v, ok := envInt("TICKREGIONS_TICK_RATE"); ok {
		cfg.Tick.TickRate = v
	}
	if v, ok := envInt("TICKREGIONS_TICK_THREADS"); ok {
		cfg.Tick.TickThreads = v
	}
	if v, ok := envInt("TICKREGIONS_MAX_CATCHUP_TICKS"); ok {
		cfg.Tick.MaxCatchupTicks = v
	}
	if v, ok := envInt("TICKREGIONS_WALKERS"); ok {
		cfg.Load.Walkers = v
	}
	if v := os.Getenv("TICKREGIONS_PROFILE_DIR"); v != "" {
		cfg.Profiler.OutputDir = v
	}
	if v := os.Getenv("TICKREGIONS_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("TICKREGIONS_HEALTH_ADDR"); v != "" {
		cfg.Health.Addr = v
	}
	cfg.Logging = logging.ConfigFromEnv(cfg.Logging)
	cfg.Tracing = observability.TracingConfigFromEnvOver(cfg.Tracing)
	return cfg
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	d := Defaults()
	if c.Tick.TickRate <= 0 {
		c.Tick.TickRate = d.Tick.TickRate
	}
	if c.Tick.MaxCatchupTicks < 0 {
		c.Tick.MaxCatchupTicks = 0
	}
	c.Adjacency = c.Adjacency.Normalize()
	if c.Maintenance.Interval <= 0 {
		c.Maintenance.Interval = d.Maintenance.Interval
	}
	c.Profiler.OutputDir = strings.TrimSpace(c.Profiler.OutputDir)
	if c.Profiler.OutputDir == "" {
		c.Profiler.OutputDir = d.Profiler.OutputDir
	}
	if c.Profiler.DefaultDuration <= 0 {
		c.Profiler.DefaultDuration = d.Profiler.DefaultDuration
	}
	if c.Profiler.DefaultRadius < 0 {
		c.Profiler.DefaultRadius = 0
	}
	if c.Load.Walkers < 0 {
		c.Load.Walkers = 0
	}
	if c.Load.ViewRadius < 0 {
		c.Load.ViewRadius = 0
	}
	if c.Load.StepInterval <= 0 {
		c.Load.StepInterval = d.Load.StepInterval
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Tick.TickRate > 1000 {
		errs = append(errs, fmt.Errorf("tick.tick_rate %d exceeds 1000", c.Tick.TickRate))
	}
	if c.Adjacency.Radius > 16 {
		errs = append(errs, fmt.Errorf("adjacency.radius %d exceeds 16", c.Adjacency.Radius))
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Load.Walkers > 0 && c.Load.Spread <= 0 {
		errs = append(errs, errors.New("load.spread must be positive when walkers are configured"))
	}
	return errors.Join(errs...)
}
