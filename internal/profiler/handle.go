package profiler

import (
	"sync"
	"time"

	"github.com/signalsfoundry/tickregions/model"
)

// Handle records samples for one region within one session. The zero-cost
// no-op handle is returned for regions that are not being profiled.
type Handle struct {
	session *Session
	region  model.RegionID
	noOp    bool

	mu      sync.Mutex
	rec     *recorder
	start   time.Time
	ticks   int64
	stopped bool
}

var noopHandle = &Handle{noOp: true}

// NoOp reports whether the handle discards samples.
func (h *Handle) NoOp() bool { return h.noOp }

// Region returns the profiled region id.
func (h *Handle) Region() model.RegionID { return h.region }

// Session returns the owning session, or nil for the no-op handle.
func (h *Handle) Session() *Session { return h.session }

// StartTick marks the start of a region tick.
func (h *Handle) StartTick(now time.Time) {
	h.with(func(r *recorder) {
		r.stop(TimerInBetweenTick, now)
		r.start(TimerTick, now)
	})
}

// StopTick marks the end of a region tick and starts the in-between timer.
func (h *Handle) StopTick(now time.Time) {
	h.with(func(r *recorder) {
		r.stop(TimerTick, now)
		r.start(TimerInBetweenTick, now)
		h.ticks++
	})
}

// StartTimer starts a registered timer.
func (h *Handle) StartTimer(id TimerID, now time.Time) {
	h.with(func(r *recorder) { r.start(id, now) })
}

// StopTimer stops a registered timer.
func (h *Handle) StopTimer(id TimerID, now time.Time) {
	h.with(func(r *recorder) { r.stop(id, now) })
}

// AddCounter adds n to a registered counter.
func (h *Handle) AddCounter(id CounterID, n int64) {
	h.with(func(r *recorder) { r.add(id, n) })
}

func (h *Handle) with(fn func(*recorder)) {
	if h.noOp {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	fn(h.rec)
}

// stop finalizes the handle. It reports false when the handle was already
// stopped.
func (h *Handle) stop(now time.Time, kind OperationKind, related []model.RegionID) bool {
	if h.noOp {
		return false
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.stopped = true
	h.rec.finish(now)
	timers, counters := h.rec.snapshot(h.session.reg)
	timing := RegionTiming{
		Region:   h.region,
		Start:    h.start,
		End:      now,
		Ticks:    h.ticks,
		Timers:   timers,
		Counters: counters,
	}
	h.mu.Unlock()

	if kind != OpEnd {
		h.session.record(Operation{Kind: kind, Region: h.region, Related: related, At: now})
	}
	h.session.record(Operation{Kind: OpEnd, Region: h.region, At: now})
	h.session.handleStopped(timing, now)
	return true
}

// NoopHandle returns the shared handle that discards samples.
func NoopHandle() *Handle { return noopHandle }
