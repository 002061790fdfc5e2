package tasks

import (
	"context"
	"sync/atomic"

	"github.com/signalsfoundry/tickregions/model"
)

// TaskFunc is the body of a scheduled task. ctx carries the owner token of
// the region running it.
type TaskFunc func(ctx context.Context, t *Task) error

// ExecutionState is the externally visible state of a task.
type ExecutionState int

const (
	StateIdle ExecutionState = iota
	StateRunning
	StateCancelledRunning
	StateFinished
	StateCancelled
)

func (s ExecutionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelledRunning:
		return "cancelled_running"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CancelledState is the outcome of Task.Cancel.
type CancelledState int

const (
	// CancelledByCaller means the task had not started and never will.
	CancelledByCaller CancelledState = iota
	// CancelledAlready means an earlier Cancel won.
	CancelledAlready
	// NextRunsCancelled means the current run of a repeating task finishes
	// and it is not rescheduled.
	NextRunsCancelled
	// NextRunsCancelledAlready means NextRunsCancelled was already reported.
	NextRunsCancelledAlready
	// CancelRunning means a one-shot task is running and will complete.
	CancelRunning
	// AlreadyExecuted means the one-shot task has finished.
	AlreadyExecuted
)

func (s CancelledState) String() string {
	switch s {
	case CancelledByCaller:
		return "cancelled_by_caller"
	case CancelledAlready:
		return "cancelled_already"
	case NextRunsCancelled:
		return "next_runs_cancelled"
	case NextRunsCancelledAlready:
		return "next_runs_cancelled_already"
	case CancelRunning:
		return "running"
	case AlreadyExecuted:
		return "already_executed"
	default:
		return "unknown"
	}
}

// Internal state machine values.
const (
	stateIdle int32 = iota
	stateExecuting
	stateExecutingCancelled
	stateFinished
	stateCancelled
)

// Task is a handle on a scheduled callback.
type Task struct {
	sched  *Scheduler
	cell   model.Cell
	period int64
	fn     TaskFunc
	state  atomic.Int32

	// queue is the queue whose bucket currently holds the task, nil while
	// it is running, in a mailbox or gone. deadline and seq are guarded by
	// that queue's mu; seq orders tasks with equal deadlines.
	queue    atomic.Pointer[Queue]
	deadline int64
	seq      uint64
}

// Cell returns the cell the task is bound to.
func (t *Task) Cell() model.Cell { return t.cell }

// Period returns the repeat period in ticks, or 0 for one-shot tasks.
func (t *Task) Period() int64 { return t.period }

// IsRepeating reports whether the task reschedules itself.
func (t *Task) IsRepeating() bool { return t.period > 0 }

// Scheduler returns the handle the task was scheduled through.
func (t *Task) Scheduler() *Scheduler { return t.sched }

// Cancel stops future runs of the task. It never waits for a run in
// progress. A task that had not started leaves its bucket at once, so its
// cell hold goes with it.
func (t *Task) Cancel() CancelledState {
	for {
		switch t.state.Load() {
		case stateIdle:
			if t.state.CompareAndSwap(stateIdle, stateCancelled) {
				t.unlink()
				return CancelledByCaller
			}
		case stateExecuting:
			if !t.IsRepeating() {
				return CancelRunning
			}
			if t.state.CompareAndSwap(stateExecuting, stateExecutingCancelled) {
				return NextRunsCancelled
			}
		case stateExecutingCancelled:
			return NextRunsCancelledAlready
		case stateFinished:
			return AlreadyExecuted
		case stateCancelled:
			return CancelledAlready
		}
	}
}

// ExecutionState returns the task's current state.
func (t *Task) ExecutionState() ExecutionState {
	switch t.state.Load() {
	case stateExecuting:
		return StateRunning
	case stateExecutingCancelled:
		return StateCancelledRunning
	case stateFinished:
		return StateFinished
	case stateCancelled:
		return StateCancelled
	default:
		return StateIdle
	}
}

// IsCancelled reports whether the task will not run again.
func (t *Task) IsCancelled() bool {
	s := t.state.Load()
	return s == stateCancelled || s == stateExecutingCancelled
}

// beginRun moves Idle to Executing. It fails when the task was cancelled.
func (t *Task) beginRun() bool {
	return t.state.CompareAndSwap(stateIdle, stateExecuting)
}

// endRun finishes a run and reports whether a repeating task should be
// bucketed again.
func (t *Task) endRun() bool {
	if !t.IsRepeating() {
		t.state.Store(stateFinished)
		return false
	}
	if t.state.CompareAndSwap(stateExecuting, stateIdle) {
		return true
	}
	t.state.Store(stateCancelled)
	return false
}

// drop cancels a task that will never get to run.
func (t *Task) drop() {
	t.state.CompareAndSwap(stateIdle, stateCancelled)
}
