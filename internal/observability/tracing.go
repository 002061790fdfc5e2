package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Supported span exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	defaultOTLPEndpoint = "localhost:4317"
	serviceNamespace    = "tickregions"
)

// Span attribute keys for profiling spans.
const (
	AttrCell    = attribute.Key("tickregions.cell")
	AttrRadius  = attribute.Key("tickregions.radius_blocks")
	AttrRegions = attribute.Key("tickregions.regions")
	AttrSession = attribute.Key("tickregions.profile_session")
)

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"` // stdout | otlp
	Endpoint    string  `yaml:"endpoint"` // otlp only; defaults to localhost:4317
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DefaultTracingConfig returns tracing disabled with a stdout exporter.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "tickregions",
		Exporter:    ExporterStdout,
		SampleRatio: 1.0,
	}
}

// Validate reports an unknown exporter or a sample ratio outside [0,1].
func (c TracingConfig) Validate() error {
	var errs []error
	switch exporterKind(c.Exporter) {
	case ExporterStdout, ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not stdout or otlp", c.Exporter))
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v outside [0,1]", c.SampleRatio))
	}
	return errors.Join(errs...)
}

// exporterKind folds aliases; "otlpgrpc" is accepted for OTLP.
func exporterKind(name string) string {
	switch name = strings.ToLower(strings.TrimSpace(name)); name {
	case "", ExporterStdout:
		return ExporterStdout
	case ExporterOTLP, "otlpgrpc":
		return ExporterOTLP
	default:
		return name
	}
}

// TracingConfigFromEnv reads TICKREGIONS_TRACING_* over the defaults.
func TracingConfigFromEnv() TracingConfig {
	return TracingConfigFromEnvOver(DefaultTracingConfig())
}

// TracingConfigFromEnvOver applies TICKREGIONS_TRACING_* overrides on top of
// base. Unset or malformed variables leave the base value in place.
func TracingConfigFromEnvOver(base TracingConfig) TracingConfig {
	cfg := base
	if raw := os.Getenv("TICKREGIONS_TRACING_ENABLED"); raw != "" {
		cfg.Enabled = strings.EqualFold(raw, "true")
	}
	if exporter := strings.ToLower(os.Getenv("TICKREGIONS_TRACING_EXPORTER")); exporter != "" {
		cfg.Exporter = exporter
	}
	if service := os.Getenv("TICKREGIONS_TRACING_SERVICE_NAME"); service != "" {
		cfg.ServiceName = service
	}
	if rawRatio := os.Getenv("TICKREGIONS_TRACING_SAMPLE_RATIO"); rawRatio != "" {
		if parsed, err := strconv.ParseFloat(rawRatio, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.SampleRatio = parsed
		}
	}
	if endpoint := os.Getenv("TICKREGIONS_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterStdout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tickregions"
	}
	return cfg
}

// InitTracing installs the global tracer provider. attrs are added to the
// resource next to the service name, so every region span carries the
// world's shape (tick rate, threads). The returned function flushes spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger, attrs ...attribute.KeyValue) (func(context.Context) error, error) {
	log = logging.OrNoop(log)

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", serviceNamespace),
	}, attrs...)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", exporterKind(cfg.Exporter)),
		logging.String("service_name", cfg.ServiceName),
		logging.Any("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if exporterKind(cfg.Exporter) == ExporterStdout {
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithoutTimestamps(),
		)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOTLPEndpoint
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	))
}

// ShutdownWithTimeout flushes spans within five seconds; failures are only
// logged.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	log = logging.OrNoop(log)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
