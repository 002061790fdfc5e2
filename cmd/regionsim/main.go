package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/signalsfoundry/tickregions/core"
	"github.com/signalsfoundry/tickregions/internal/config"
	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/observability"
	"github.com/signalsfoundry/tickregions/internal/profiler"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"go.opentelemetry.io/otel/attribute"
)

// Options are the command-line settings that sit on top of the config file.
type Options struct {
	ProfileFor    time.Duration
	ProfileRadius float64
	RunFor        time.Duration
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides config)")
	healthAddr := flag.String("health-addr", "", "TCP address for the gRPC health service (overrides config)")
	walkers := flag.Int("walkers", -1, "Number of synthetic walkers (overrides config)")
	tickRate := flag.Int("tick-rate", 0, "Region ticks per second (overrides config)")
	profileFor := flag.Duration("profile", 0, "Profile regions around the origin for this long after startup")
	profileRadius := flag.Float64("profile-radius", 0, "Profile radius in blocks (defaults to config)")
	runFor := flag.Duration("duration", 0, "Exit after this long; zero runs until interrupted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *healthAddr != "" {
		cfg.Health.Addr = *healthAddr
	}
	if *walkers >= 0 {
		cfg.Load.Walkers = *walkers
	}
	if *tickRate > 0 {
		cfg.Tick.TickRate = *tickRate
	}

	log := logging.New(cfg.Logging)

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.Health.Addr)
	if err != nil {
		log.Error(stopCtx, "failed to listen for gRPC health", logging.String("addr", cfg.Health.Addr), logging.Err(err))
		os.Exit(1)
	}

	opts := Options{ProfileFor: *profileFor, ProfileRadius: *profileRadius, RunFor: *runFor}
	if err := run(stopCtx, cfg, opts, log, lis); err != nil {
		log.Error(stopCtx, "regionsim exited", logging.Err(err))
		os.Exit(1)
	}
}

// run drives the world until ctx is cancelled or opts.RunFor elapses.
func run(ctx context.Context, cfg config.Config, opts Options, log logging.Logger, lis net.Listener) error {
	log = logging.OrNoop(log)
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if opts.RunFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunFor)
		defer cancel()
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log,
		attribute.Int("tickregions.tick_rate", cfg.Tick.TickRate),
		attribute.Int("tickregions.walkers", cfg.Load.Walkers),
	)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	regionMetrics, err := observability.NewRegionCollector(reg)
	if err != nil {
		return fmt.Errorf("region metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return fmt.Errorf("scheduler metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.Metrics.Addr, regionMetrics, log)

	var (
		world       *core.World
		cellsTicked profiler.CounterID
		contentTime profiler.TimerID
	)
	content := func(_ context.Context, r *regionizer.Region, _ uint64) error {
		clock := world.Clock()
		h := world.Profiler.Handle(r)
		h.StartTimer(contentTime, clock.Now())
		h.AddCounter(cellsTicked, int64(r.CellCount()))
		h.StopTimer(contentTime, clock.Now())
		return nil
	}
	world = core.NewWorld(cfg, log,
		core.WithCollectors(regionMetrics, schedMetrics),
		core.WithTickFunc(content),
	)
	cellsTicked = world.Profiler.Registry().Counter("cells_ticked")
	contentTime = world.Profiler.Registry().Timer("content")

	health := observability.NewHealthServer(log)
	healthErr := make(chan error, 1)
	go func() { healthErr <- health.Serve(lis) }()

	gen := core.NewLoadGenerator(world, cfg.Load, log)
	gen.Place(ctx)

	if err := world.Start(ctx); err != nil {
		health.Stop()
		return fmt.Errorf("start world: %w", err)
	}
	health.SetServing(true)

	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		gen.Run(ctx)
	}()

	if opts.ProfileFor > 0 {
		startProfile(ctx, world, cfg, opts, log)
	}

	select {
	case <-ctx.Done():
	case err := <-healthErr:
		if err != nil {
			log.Error(ctx, "gRPC health server exited", logging.Err(err))
		}
	}

	log.Info(context.Background(), "shutting down regionsim",
		logging.Int64("visits", gen.Visits()),
		logging.Int64("teleports", gen.Teleports()),
		logging.Uint64("ticks", world.Scheduler.Ticks()),
	)
	health.SetServing(false)
	cancelRun()
	<-loadDone
	gen.Close(context.Background())
	world.Stop()
	health.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func startProfile(ctx context.Context, world *core.World, cfg config.Config, opts Options, log logging.Logger) {
	radius := opts.ProfileRadius
	if radius <= 0 {
		radius = float64(cfg.Profiler.DefaultRadius)
	}
	sess, err := world.Profile(ctx, 0, 0, radius, opts.ProfileFor)
	if err != nil {
		log.Warn(ctx, "profiler not started", logging.Err(err))
		return
	}
	go func() {
		select {
		case <-sess.Done():
			res, _ := sess.Result()
			log.Info(context.Background(), "profile complete",
				logging.String("session", sess.ID()),
				logging.Int64("ticks", res.TotalTicks()),
				logging.String("path", profiler.NewResultsWriter(cfg.Profiler.OutputDir).Path(sess.ID())),
			)
		case <-ctx.Done():
		}
	}()
}

func serveMetrics(addr string, collector *observability.RegionCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
