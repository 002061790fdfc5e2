package profiler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/model"
	"github.com/signalsfoundry/tickregions/timectrl"
)

var (
	// ErrNoRegions is returned when a profiling area covers no active cell.
	ErrNoRegions = errors.New("profiler: no active regions in area")
	// ErrInvalidDuration is returned for non-positive session durations.
	ErrInvalidDuration = errors.New("profiler: duration must be > 0")
)

// MetricsRecorder captures profiler activity.
type MetricsRecorder interface {
	SetProfiledRegions(n int)
	IncProfilerSessions(outcome string)
}

// Option configures a Profiler.
type Option func(*Profiler)

// WithResultsWriter persists every finished session.
func WithResultsWriter(w *ResultsWriter) Option {
	return func(p *Profiler) { p.writer = w }
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(p *Profiler) { p.metrics = m }
}

// Profiler attaches sessions to regions and keeps them attached across
// transactions through its slot payload.
type Profiler struct {
	rz      *regionizer.Regionizer
	reg     *Registry
	clock   timectrl.Clock
	log     logging.Logger
	writer  *ResultsWriter
	metrics MetricsRecorder
	key     regionizer.PayloadKey

	profiled atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
}

// New registers the profiler slot on rz. It must run before the first
// activation.
func New(rz *regionizer.Regionizer, reg *Registry, clock timectrl.Clock, log logging.Logger, opts ...Option) *Profiler {
	if reg == nil {
		reg = NewRegistry()
	}
	if clock == nil {
		clock = timectrl.RealClock{}
	}
	p := &Profiler{
		rz:       rz,
		reg:      reg,
		clock:    clock,
		log:      logging.OrNoop(log),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.key = rz.RegisterPayload("profiler.slot", func(r *regionizer.Region) regionizer.Payload {
		return &Slot{prof: p, region: r}
	})
	return p
}

// Registry returns the timer and counter registry.
func (p *Profiler) Registry() *Registry { return p.reg }

// Start profiles every region owning a cell inside area for d.
func (p *Profiler) Start(ctx context.Context, area model.Area, d time.Duration) (*Session, error) {
	if d <= 0 {
		return nil, ErrInvalidDuration
	}

	var sess *Session
	p.rz.Inspect(func(regions []*regionizer.Region) {
		var targets []*regionizer.Region
		for _, r := range regions {
			for _, c := range r.Cells() {
				if area.Contains(c) {
					targets = append(targets, r)
					break
				}
			}
		}
		if len(targets) == 0 {
			return
		}

		now := p.clock.Now()
		sess = newSession(p.reg, now, d, func(res Result) { p.finish(ctx, res) })
		for _, r := range targets {
			slot := p.slot(r)
			if slot.h.Load() != nil {
				continue
			}
			slot.install(sess.newHandle(r.ID(), now))
		}
	})
	if sess == nil {
		return nil, fmt.Errorf("profile %s radius %d: %w", area.Center, area.Radius, ErrNoRegions)
	}
	if sess.Live() == 0 {
		return nil, fmt.Errorf("profile %s radius %d: every region is already profiled: %w", area.Center, area.Radius, ErrNoRegions)
	}

	p.mu.Lock()
	p.sessions[sess.ID()] = sess
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.IncProfilerSessions("started")
	}
	p.log.Info(ctx, "profiling started",
		logging.String("session", sess.ID()),
		logging.Int("regions", sess.Live()),
		logging.Duration("duration", d),
	)
	return sess, nil
}

// Handle returns the live handle of r or the no-op handle.
func (p *Profiler) Handle(r *regionizer.Region) *Handle {
	if h := p.slot(r).h.Load(); h != nil {
		return h
	}
	return noopHandle
}

// CheckStop stops r's handle once its session's absolute end has passed.
// Workers call it after every tick.
func (p *Profiler) CheckStop(r *regionizer.Region, now time.Time) {
	p.slot(r).checkStop(now)
}

// CheckAll runs CheckStop on every region. The maintenance ticker calls it
// so sessions end even on regions that stopped ticking.
func (p *Profiler) CheckAll(now time.Time) {
	p.rz.Inspect(func(regions []*regionizer.Region) {
		for _, r := range regions {
			p.slot(r).checkStop(now)
		}
	})
}

// Stop ends a session early.
func (p *Profiler) Stop(id string) bool {
	p.mu.Lock()
	sess := p.sessions[id]
	p.mu.Unlock()
	if sess == nil {
		return false
	}
	now := p.clock.Now()
	p.rz.Inspect(func(regions []*regionizer.Region) {
		for _, r := range regions {
			slot := p.slot(r)
			if h := slot.h.Load(); h != nil && h.session == sess {
				slot.stopCurrent(now, OpEnd, nil)
			}
		}
	})
	return true
}

// Sessions returns the sessions that have not finished.
func (p *Profiler) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

func (p *Profiler) slot(r *regionizer.Region) *Slot {
	return regionizer.PayloadOf[*Slot](r, p.key)
}

func (p *Profiler) finish(ctx context.Context, res Result) {
	p.mu.Lock()
	delete(p.sessions, res.ID)
	p.mu.Unlock()

	fields := []logging.Field{
		logging.String("session", res.ID),
		logging.Int("regions", len(res.Regions)),
		logging.Int64("ticks", res.TotalTicks()),
		logging.Duration("elapsed", res.End.Sub(res.Start)),
	}
	outcome := "finished"
	if p.writer != nil {
		path, err := p.writer.Write(res)
		if err != nil {
			outcome = "write_failed"
			p.log.Error(ctx, "write profile results", append(fields, logging.Err(err))...)
		} else {
			fields = append(fields, logging.String("path", path))
		}
	}
	if p.metrics != nil {
		p.metrics.IncProfilerSessions(outcome)
	}
	p.log.Info(ctx, "profiling finished", fields...)
}

func (p *Profiler) trackProfiled(delta int64) {
	n := p.profiled.Add(delta)
	if p.metrics != nil {
		p.metrics.SetProfiledRegions(int(n))
	}
}
