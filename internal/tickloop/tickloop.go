// Package tickloop runs one worker goroutine per live region, ticking it at
// a fixed rate.
package tickloop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/profiler"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/internal/tasks"
	"github.com/signalsfoundry/tickregions/internal/tickets"
	"github.com/signalsfoundry/tickregions/timectrl"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("tickloop: scheduler already running")

// TickFunc runs the simulation content of one region tick. ctx carries the
// region's owner token.
type TickFunc func(ctx context.Context, r *regionizer.Region, tick uint64) error

// MetricsRecorder captures tick loop metrics.
type MetricsRecorder interface {
	ObserveTick(d, lateness time.Duration)
	SetTickingRegions(n int)
	AddSkippedTicks(n int)
}

// Config governs tick pacing and concurrency.
type Config struct {
	// TickRate is the number of ticks per second each region aims for.
	TickRate int `yaml:"tick_rate"`
	// TickThreads caps how many regions tick at the same moment. Zero or
	// less derives a value from the CPU count.
	TickThreads int `yaml:"tick_threads"`
	// MaxCatchupTicks bounds how far a late region may burst to catch up
	// before its schedule is reset.
	MaxCatchupTicks int `yaml:"max_catchup_ticks"`
}

// DefaultConfig ticks at 20 TPS.
func DefaultConfig() Config {
	return Config{TickRate: 20, MaxCatchupTicks: 100}
}

// Period returns the tick period implied by TickRate.
func (c Config) Period() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 20
	}
	return time.Second / time.Duration(c.TickRate)
}

// ThreadCount resolves the tick thread count: an explicit positive value
// wins; otherwise half the CPUs, collapsed to one on small machines and
// quartered on large ones.
func ThreadCount(configured, cpus int) int {
	if configured > 0 {
		return configured
	}
	n := cpus / 2
	if n <= 4 {
		return 1
	}
	return n / 4
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickFunc sets the simulation content run every tick.
func WithTickFunc(fn TickFunc) Option {
	return func(s *Scheduler) { s.tick = fn }
}

// WithClock replaces the wall clock.
func WithClock(c timectrl.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithProfiler records tick timings into active profiling sessions.
func WithProfiler(p *profiler.Profiler) Option {
	return func(s *Scheduler) { s.prof = p }
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler starts a worker for every region the regionizer creates and
// lets it exit when the region retires.
type Scheduler struct {
	rz      *regionizer.Regionizer
	svc     *tasks.Service
	tickets *tickets.Registry
	prof    *profiler.Profiler
	clock   timectrl.Clock
	log     logging.Logger
	metrics MetricsRecorder
	tick    TickFunc

	cfg     Config
	threads int
	sem     chan struct{}
	key     regionizer.PayloadKey

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[regionizer.RegionID]struct{}
	wg      sync.WaitGroup

	ticks atomic.Uint64
}

// New creates a stopped scheduler and registers its payload on rz.
func New(rz *regionizer.Regionizer, svc *tasks.Service, reg *tickets.Registry, log logging.Logger, cfg Config, opts ...Option) *Scheduler {
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultConfig().TickRate
	}
	threads := ThreadCount(cfg.TickThreads, runtime.NumCPU())
	s := &Scheduler{
		rz:      rz,
		svc:     svc,
		tickets: reg,
		clock:   timectrl.RealClock{},
		log:     logging.OrNoop(log),
		cfg:     cfg,
		threads: threads,
		sem:     make(chan struct{}, threads),
		workers: make(map[regionizer.RegionID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	period := cfg.Period()
	s.key = rz.RegisterPayload("tickloop.schedule", func(*regionizer.Region) regionizer.Payload {
		return &schedule{cadence: timectrl.NewCadence(period, cfg.MaxCatchupTicks)}
	})
	rz.Subscribe(regionizer.Callbacks{
		RegionCreated: func(_ context.Context, r *regionizer.Region) { s.startWorker(r) },
	})
	return s
}

// Clock returns the clock that paces ticks and stamps profiler timings.
// Tick content should read time from it too.
func (s *Scheduler) Clock() timectrl.Clock { return s.clock }

// Threads returns the resolved tick concurrency.
func (s *Scheduler) Threads() int { return s.threads }

// Ticks returns the total number of region ticks executed.
func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }

// Running reports whether workers are being started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches workers for every live region and for every region created
// afterwards, until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	s.log.Info(ctx, "tick scheduler started",
		logging.Int("tick_rate", s.cfg.TickRate),
		logging.Int("tick_threads", s.threads),
	)
	for _, r := range s.rz.Regions() {
		s.startWorker(r)
	}
	return nil
}

// Stop cancels every worker and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info(context.Background(), "tick scheduler stopped", logging.Uint64("ticks", s.Ticks()))
}

func (s *Scheduler) startWorker(r *regionizer.Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || r.IsRetired() {
		return
	}
	if _, ok := s.workers[r.ID()]; ok {
		return
	}
	s.workers[r.ID()] = struct{}{}
	s.wg.Add(1)
	s.setTicking(len(s.workers))
	go s.run(s.ctx, r)
}

func (s *Scheduler) workerDone(r *regionizer.Region) {
	s.mu.Lock()
	delete(s.workers, r.ID())
	n := len(s.workers)
	s.mu.Unlock()
	s.setTicking(n)
	s.wg.Done()
}

// run is the worker loop of one region.
func (s *Scheduler) run(ctx context.Context, r *regionizer.Region) {
	defer s.workerDone(r)
	cad := regionizer.PayloadOf[*schedule](r, s.key).cadence

	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-r.Retired():
			return
		}
		if !r.BeginTick() {
			<-s.sem
			return
		}

		now := s.clock.Now()
		next := cad.Next(now)
		if now.Before(next) {
			r.EndTick()
			<-s.sem
			if !s.sleep(ctx, r, next.Sub(now)) {
				return
			}
			continue
		}

		if skipped := cad.Begin(now); skipped > 0 {
			s.log.Warn(ctx, "region fell behind; resetting schedule",
				logging.Uint64("region", uint64(r.ID())),
				logging.Int("skipped_ticks", skipped),
			)
			if s.metrics != nil {
				s.metrics.AddSkippedTicks(skipped)
			}
		}
		lateness := cad.Lateness()
		d := s.tickLocked(ctx, r, now)
		r.EndTick()
		<-s.sem

		if s.metrics != nil {
			s.metrics.ObserveTick(d, lateness)
		}
		s.boundary(ctx)
	}
}

func (s *Scheduler) sleep(ctx context.Context, r *regionizer.Region, d time.Duration) bool {
	select {
	case <-s.clock.After(d):
		return true
	case <-r.Retired():
		return false
	case <-ctx.Done():
		return false
	}
}

// Step runs one tick of r immediately, ignoring the cadence. It reports
// false when r has retired.
func (s *Scheduler) Step(ctx context.Context, r *regionizer.Region) bool {
	if !r.BeginTick() {
		return false
	}
	d := s.tickLocked(ctx, r, s.clock.Now())
	r.EndTick()
	if s.metrics != nil {
		s.metrics.ObserveTick(d, 0)
	}
	s.boundary(ctx)
	return true
}

// tickLocked runs one tick iteration; the caller holds the tick token.
func (s *Scheduler) tickLocked(ctx context.Context, r *regionizer.Region, start time.Time) time.Duration {
	tctx := regionizer.WithOwner(logging.ContextWithRegionID(ctx, uint64(r.ID())), r.Owner())

	h := s.profilerHandle(r)
	h.StartTick(start)

	q := s.svc.Queue(r)
	s.svc.Mailbox(r).Drain(tctx, q)
	tick := r.AdvanceTick()
	q.Tick(tctx)
	s.runContent(tctx, r, tick)

	end := s.clock.Now()
	h.StopTick(end)
	if s.prof != nil {
		s.prof.CheckStop(r, end)
	}
	s.ticks.Add(1)
	return end.Sub(start)
}

func (s *Scheduler) runContent(ctx context.Context, r *regionizer.Region, tick uint64) {
	if s.tick == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error(ctx, "region tick panicked",
				logging.Uint64("tick", tick),
				logging.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	if err := s.tick(ctx, r, tick); err != nil {
		s.log.Warn(ctx, "region tick failed", logging.Uint64("tick", tick), logging.Err(err))
	}
}

// boundary applies ticket changes made during the tick.
func (s *Scheduler) boundary(ctx context.Context) {
	if s.tickets != nil && s.tickets.Pending() {
		s.tickets.ProcessUpdates(ctx)
	}
}

func (s *Scheduler) profilerHandle(r *regionizer.Region) *profiler.Handle {
	if s.prof == nil {
		return profiler.NoopHandle()
	}
	return s.prof.Handle(r)
}

func (s *Scheduler) setTicking(n int) {
	if s.metrics != nil {
		s.metrics.SetTickingRegions(n)
	}
}
