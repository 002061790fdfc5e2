// Package core assembles the regionizer, ticket registry, task service,
// profiler and tick loop into a single runnable world.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/tickregions/internal/config"
	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/observability"
	"github.com/signalsfoundry/tickregions/internal/profiler"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/internal/tasks"
	"github.com/signalsfoundry/tickregions/internal/tickets"
	"github.com/signalsfoundry/tickregions/internal/tickloop"
	"github.com/signalsfoundry/tickregions/model"
	"github.com/signalsfoundry/tickregions/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/tickregions/core"

var (
	_ regionizer.MetricsRecorder = (*observability.RegionCollector)(nil)
	_ tickets.MetricsRecorder    = (*observability.RegionCollector)(nil)
	_ profiler.MetricsRecorder   = (*observability.RegionCollector)(nil)
	_ tasks.MetricsRecorder      = (*observability.SchedulerCollector)(nil)
	_ tickloop.MetricsRecorder   = (*observability.SchedulerCollector)(nil)
)

// ErrWorldRunning is returned by Start on a world that is already running.
var ErrWorldRunning = errors.New("world already running")

type worldOptions struct {
	clock          timectrl.Clock
	tick           tickloop.TickFunc
	regionMetrics  *observability.RegionCollector
	schedMetrics   *observability.SchedulerCollector
	resultsWriter  *profiler.ResultsWriter
	noResultsFiles bool
}

// WorldOption configures a World.
type WorldOption func(*worldOptions)

// WithClock drives all components from clock instead of wall time.
func WithClock(c timectrl.Clock) WorldOption {
	return func(o *worldOptions) { o.clock = c }
}

// WithTickFunc sets the per-region simulation content.
func WithTickFunc(fn tickloop.TickFunc) WorldOption {
	return func(o *worldOptions) { o.tick = fn }
}

// WithCollectors wires Prometheus collectors into every component.
func WithCollectors(region *observability.RegionCollector, sched *observability.SchedulerCollector) WorldOption {
	return func(o *worldOptions) {
		o.regionMetrics = region
		o.schedMetrics = sched
	}
}

// WithoutResultsFiles keeps profiler results in memory only.
func WithoutResultsFiles() WorldOption {
	return func(o *worldOptions) { o.noResultsFiles = true }
}

// World owns one regionized world and its maintenance loop.
type World struct {
	Regionizer *regionizer.Regionizer
	Tickets    *tickets.Registry
	Tasks      *tasks.Service
	Profiler   *profiler.Profiler
	Scheduler  *tickloop.Scheduler
	Time       *timectrl.TimeController

	cfg config.Config
	log logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    <-chan struct{}
	running bool
}

// NewWorld builds a stopped world from cfg.
func NewWorld(cfg config.Config, log logging.Logger, opts ...WorldOption) *World {
	log = logging.OrNoop(log)
	o := worldOptions{clock: timectrl.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.noResultsFiles {
		o.resultsWriter = profiler.NewResultsWriter(cfg.Profiler.OutputDir)
	}

	rzOpts := []regionizer.Option{regionizer.WithAdjacency(cfg.Adjacency)}
	ticketOpts := []tickets.Option{tickets.WithClock(o.clock)}
	profOpts := []profiler.Option{}
	if o.resultsWriter != nil {
		profOpts = append(profOpts, profiler.WithResultsWriter(o.resultsWriter))
	}
	if o.regionMetrics != nil {
		rzOpts = append(rzOpts, regionizer.WithMetricsRecorder(o.regionMetrics))
		ticketOpts = append(ticketOpts, tickets.WithMetricsRecorder(o.regionMetrics))
		profOpts = append(profOpts, profiler.WithMetricsRecorder(o.regionMetrics))
	}
	var svcOpts []tasks.ServiceOption
	loopOpts := []tickloop.Option{tickloop.WithClock(o.clock)}
	if o.schedMetrics != nil {
		svcOpts = append(svcOpts, tasks.WithMetricsRecorder(o.schedMetrics))
		loopOpts = append(loopOpts, tickloop.WithMetricsRecorder(o.schedMetrics))
	}
	if o.tick != nil {
		loopOpts = append(loopOpts, tickloop.WithTickFunc(o.tick))
	}

	rz := regionizer.New(log, rzOpts...)
	reg := tickets.New(rz, log, ticketOpts...)
	svc := tasks.NewService(rz, reg, log, svcOpts...)
	prof := profiler.New(rz, profiler.NewRegistry(), o.clock, log, profOpts...)
	loopOpts = append(loopOpts, tickloop.WithProfiler(prof))
	sched := tickloop.New(rz, svc, reg, log, cfg.Tick, loopOpts...)

	mode := timectrl.RealTime
	if cfg.Maintenance.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(o.clock, cfg.Maintenance.Interval, mode)

	w := &World{
		Regionizer: rz,
		Tickets:    reg,
		Tasks:      svc,
		Profiler:   prof,
		Scheduler:  sched,
		Time:       tc,
		cfg:        cfg,
		log:        log,
	}
	tc.AddListener(w.maintain)
	return w
}

// maintain expires timed tickets, reconciles cells nobody is ticking and
// ends profiler sessions whose deadline has passed.
func (w *World) maintain(ctx context.Context, now time.Time) {
	if n := w.Tickets.Expire(ctx, now); n > 0 {
		w.log.Debug(ctx, "tickets expired", logging.Int("count", n))
	}
	if w.Tickets.Pending() {
		w.Tickets.ProcessUpdates(ctx)
	}
	w.Profiler.CheckAll(now)
}

// Clock returns the clock shared by every component of the world.
func (w *World) Clock() timectrl.Clock { return w.Scheduler.Clock() }

// Maintain runs one maintenance step immediately.
func (w *World) Maintain(ctx context.Context) {
	w.Time.Step(ctx)
}

// Start launches region workers and the maintenance loop.
func (w *World) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWorldRunning
	}
	if err := w.Scheduler.Start(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = w.Time.Start(runCtx)
	w.running = true
	w.log.Info(ctx, "world started",
		logging.Int("tick_rate", w.cfg.Tick.TickRate),
		logging.Int("tick_threads", w.Scheduler.Threads()),
		logging.Duration("maintenance_interval", w.cfg.Maintenance.Interval),
	)
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (w *World) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stop halts the maintenance loop and every region worker.
func (w *World) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.Scheduler.Stop()
	w.log.Info(context.Background(), "world stopped",
		logging.Int("regions", len(w.Regionizer.Regions())),
		logging.Int("tickets_held", w.Tickets.Held()),
	)
}

// Force keeps cell loaded until Unforce is called with the same key.
func (w *World) Force(ctx context.Context, cell model.Cell, key any) {
	w.Tickets.Acquire(ctx, model.TicketForced, cell, model.MaxTicketLevel, key)
}

// Unforce releases a hold placed by Force.
func (w *World) Unforce(ctx context.Context, cell model.Cell, key any) {
	w.Tickets.Release(ctx, model.TicketForced, cell, model.MaxTicketLevel, key)
}

// NewScheduler returns a named task scheduler bound to this world.
func (w *World) NewScheduler(name string) *tasks.Scheduler {
	return w.Tasks.NewScheduler(name)
}

// Profile starts a profiler session over the regions intersecting a
// block-space circle. A non-positive d uses the configured default duration.
func (w *World) Profile(ctx context.Context, blockX, blockZ, radius float64, d time.Duration) (*profiler.Session, error) {
	if d <= 0 {
		d = w.cfg.Profiler.DefaultDuration
	}
	area := model.AreaAroundBlock(blockX, blockZ, radius)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "World/Profile", trace.WithAttributes(
		observability.AttrCell.String(area.Center.String()),
		observability.AttrRadius.Float64(radius),
	))
	defer span.End()

	sess, err := w.Profiler.Start(ctx, area, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		observability.AttrSession.String(sess.ID()),
		observability.AttrRegions.Int(sess.Live()),
	)
	return sess, nil
}
