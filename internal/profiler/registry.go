// Package profiler attributes tick time to regions for the duration of a
// profiling session, following regions through merges and splits.
package profiler

import "sync"

// TimerID and CounterID index a Registry.
type (
	TimerID   int
	CounterID int
)

// Registry maps timer and counter names to dense ids. One registry is
// created at startup and shared by everything that records samples.
type Registry struct {
	mu         sync.RWMutex
	timers     []string
	timerIDs   map[string]TimerID
	counters   []string
	counterIDs map[string]CounterID
}

// Predeclared timers.
const (
	TimerTick          TimerID = 0
	TimerInBetweenTick TimerID = 1
)

// NewRegistry returns a registry with the tick timers declared.
func NewRegistry() *Registry {
	r := &Registry{
		timerIDs:   make(map[string]TimerID),
		counterIDs: make(map[string]CounterID),
	}
	r.Timer("tick")
	r.Timer("in_between_tick")
	return r
}

// Timer returns the id for name, allocating one on first use.
func (r *Registry) Timer(name string) TimerID {
	r.mu.RLock()
	id, ok := r.timerIDs[name]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.timerIDs[name]; ok {
		return id
	}
	id = TimerID(len(r.timers))
	r.timers = append(r.timers, name)
	r.timerIDs[name] = id
	return id
}

// Counter returns the id for name, allocating one on first use.
func (r *Registry) Counter(name string) CounterID {
	r.mu.RLock()
	id, ok := r.counterIDs[name]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.counterIDs[name]; ok {
		return id
	}
	id = CounterID(len(r.counters))
	r.counters = append(r.counters, name)
	r.counterIDs[name] = id
	return id
}

// TimerName resolves a timer id.
func (r *Registry) TimerName(id TimerID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(r.timers) {
		return ""
	}
	return r.timers[id]
}

// CounterName resolves a counter id.
func (r *Registry) CounterName(id CounterID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(r.counters) {
		return ""
	}
	return r.counters[id]
}
