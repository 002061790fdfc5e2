package profiler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/tickregions/model"
)

// OperationKind labels an entry in a session's operation log.
type OperationKind string

const (
	OpStart OperationKind = "start"
	OpMerge OperationKind = "merge"
	OpSplit OperationKind = "split"
	OpEnd   OperationKind = "end"
)

// Operation is one entry in the session log. Related lists the merge target
// or the split targets.
type Operation struct {
	Kind    OperationKind    `json:"kind"`
	Region  model.RegionID   `json:"region"`
	Related []model.RegionID `json:"related,omitempty"`
	At      time.Time        `json:"at"`
}

// RegionTiming is the finalized data of one handle.
type RegionTiming struct {
	Region   model.RegionID       `json:"region"`
	Start    time.Time            `json:"start"`
	End      time.Time            `json:"end"`
	Ticks    int64                `json:"ticks"`
	Timers   map[string]TimerStat `json:"timers"`
	Counters map[string]int64     `json:"counters,omitempty"`
}

// Result is emitted once, when the last live handle of a session stops.
type Result struct {
	ID         string         `json:"id"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	Operations []Operation    `json:"operations"`
	Regions    []RegionTiming `json:"regions"`
}

// TotalTicks sums ticks across every region timing.
func (r Result) TotalTicks() int64 {
	var n int64
	for _, t := range r.Regions {
		n += t.Ticks
	}
	return n
}

// Session is one profiling run.
type Session struct {
	id          uuid.UUID
	reg         *Registry
	start       time.Time
	absoluteEnd time.Time
	onFinish    func(Result)

	live atomic.Int64

	mu       sync.Mutex
	ops      []Operation
	timings  []RegionTiming
	finished bool
	result   Result
	done     chan struct{}
}

func newSession(reg *Registry, now time.Time, d time.Duration, onFinish func(Result)) *Session {
	return &Session{
		id:          uuid.New(),
		reg:         reg,
		start:       now,
		absoluteEnd: now.Add(d),
		onFinish:    onFinish,
		done:        make(chan struct{}),
	}
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id.String() }

// AbsoluteEnd returns the time after which handles are stopped.
func (s *Session) AbsoluteEnd() time.Time { return s.absoluteEnd }

// Live returns the number of live handles.
func (s *Session) Live() int { return int(s.live.Load()) }

// Done is closed once the result has been emitted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the final result once the session is done.
func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.finished
}

// Operations returns a copy of the operation log so far.
func (s *Session) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.ops...)
}

// newHandle counts the handle live before returning it, so a caller that
// creates a replacement before stopping the old handle never lets the live
// count reach zero.
func (s *Session) newHandle(region model.RegionID, now time.Time) *Handle {
	s.live.Add(1)
	s.record(Operation{Kind: OpStart, Region: region, At: now})
	return &Handle{session: s, region: region, rec: newRecorder(), start: now}
}

func (s *Session) record(op Operation) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *Session) handleStopped(timing RegionTiming, now time.Time) {
	s.mu.Lock()
	s.timings = append(s.timings, timing)
	s.mu.Unlock()

	if s.live.Add(-1) != 0 {
		return
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	timings := append([]RegionTiming(nil), s.timings...)
	sort.SliceStable(timings, func(i, j int) bool { return timings[i].Region < timings[j].Region })
	s.result = Result{
		ID:         s.ID(),
		Start:      s.start,
		End:        now,
		Operations: append([]Operation(nil), s.ops...),
		Regions:    timings,
	}
	s.finished = true
	res := s.result
	s.mu.Unlock()

	if s.onFinish != nil {
		s.onFinish(res)
	}
	close(s.done)
}
