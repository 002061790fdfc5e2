package timectrl

import (
	"context"
	"sync"
	"time"
)

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime waits one Tick on the clock between steps.
	RealTime Mode = iota
	// Accelerated steps as quickly as the loop can run while still
	// advancing the controller's notion of time by Tick.
	Accelerated
)

// Listener is invoked once per controller step with the step's time.
type Listener func(ctx context.Context, now time.Time)

// TimeController drives the global maintenance tick: ticket expiry, ticket
// updates for cells nobody is ticking, metrics sampling and profiler stop
// checks. Region ticks are not driven from here; each region worker keeps
// its own Cadence.
type TimeController struct {
	mu    sync.RWMutex
	Tick  time.Duration
	Mode  Mode
	clock Clock

	currentTime time.Time
	steps       uint64

	listeners []Listener
}

// NewTimeController constructs a controller reading time from clock. A nil
// clock falls back to RealClock.
func NewTimeController(clock Clock, tick time.Duration, mode Mode) *TimeController {
	if clock == nil {
		clock = RealClock{}
	}
	return &TimeController{
		Tick:        tick,
		Mode:        mode,
		clock:       clock,
		currentTime: clock.Now(),
	}
}

// Now returns the time of the most recent step. It implements Clock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// After delegates to the underlying clock. It implements Clock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	return tc.clock.After(d)
}

// Steps returns how many steps have run.
func (tc *TimeController) Steps() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.steps
}

// AddListener registers a callback invoked on every step. Listeners run on
// the controller goroutine in registration order.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances the controller by one tick and notifies listeners.
func (tc *TimeController) Step(ctx context.Context) {
	tc.mu.Lock()
	if tc.Mode == Accelerated {
		tc.currentTime = tc.currentTime.Add(tc.Tick)
	} else {
		tc.currentTime = tc.clock.Now()
	}
	tc.steps++
	now := tc.currentTime
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, now)
	}
}

// Start runs the controller in a separate goroutine until ctx is cancelled.
// It returns a channel that is closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if tc.Mode == RealTime {
				select {
				case <-ctx.Done():
					return
				case <-tc.clock.After(tc.Tick):
				}
			} else if ctx.Err() != nil {
				return
			}
			tc.Step(ctx)
		}
	}()
	return done
}
