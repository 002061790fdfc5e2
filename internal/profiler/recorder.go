package profiler

import "time"

// TimerStat aggregates one timer.
type TimerStat struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total_ns"`
	Max   time.Duration `json:"max_ns"`
}

// recorder accumulates samples for one handle. It is not safe for
// concurrent use; Handle serializes access.
type recorder struct {
	timers   map[TimerID]*TimerStat
	counters map[CounterID]int64
	started  map[TimerID]time.Time
}

func newRecorder() *recorder {
	return &recorder{
		timers:   make(map[TimerID]*TimerStat),
		counters: make(map[CounterID]int64),
		started:  make(map[TimerID]time.Time),
	}
}

func (r *recorder) start(id TimerID, now time.Time) {
	r.started[id] = now
}

func (r *recorder) stop(id TimerID, now time.Time) {
	begin, ok := r.started[id]
	if !ok {
		return
	}
	delete(r.started, id)
	r.observe(id, now.Sub(begin))
}

func (r *recorder) observe(id TimerID, d time.Duration) {
	if d < 0 {
		d = 0
	}
	st := r.timers[id]
	if st == nil {
		st = &TimerStat{}
		r.timers[id] = st
	}
	st.Count++
	st.Total += d
	if d > st.Max {
		st.Max = d
	}
}

func (r *recorder) add(id CounterID, n int64) {
	r.counters[id] += n
}

// finish closes any timer still running at now.
func (r *recorder) finish(now time.Time) {
	for id, begin := range r.started {
		r.observe(id, now.Sub(begin))
	}
	r.started = make(map[TimerID]time.Time)
}

func (r *recorder) snapshot(reg *Registry) (map[string]TimerStat, map[string]int64) {
	timers := make(map[string]TimerStat, len(r.timers))
	for id, st := range r.timers {
		timers[reg.TimerName(id)] = *st
	}
	counters := make(map[string]int64, len(r.counters))
	for id, n := range r.counters {
		counters[reg.CounterName(id)] = n
	}
	return timers, counters
}
