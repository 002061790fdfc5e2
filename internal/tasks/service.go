// Package tasks schedules one-shot and repeating callbacks against cells and
// runs them on the worker of whichever region owns the cell.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/internal/tickets"
	"github.com/signalsfoundry/tickregions/model"
)

var (
	// ErrInvalidArgument wraps every argument validation failure.
	ErrInvalidArgument = errors.New("tasks: invalid argument")
	// ErrDisabled is returned when scheduling through a disabled Scheduler.
	ErrDisabled = errors.New("tasks: scheduler disabled")
)

// MetricsRecorder captures task execution metrics.
type MetricsRecorder interface {
	ObserveTaskRun(d time.Duration, outcome string)
	SetTasksPending(n int)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// Service owns the queue and mailbox payload kinds and the orphan set.
type Service struct {
	rz      *regionizer.Regionizer
	tickets *tickets.Registry
	log     logging.Logger
	metrics MetricsRecorder

	queueKey   regionizer.PayloadKey
	mailboxKey regionizer.PayloadKey

	seq     atomic.Uint64
	pending atomic.Int64
	orphans orphanage
}

// NewService registers the task payloads on rz. It must be called before the
// first cell is activated.
func NewService(rz *regionizer.Regionizer, reg *tickets.Registry, log logging.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		rz:      rz,
		tickets: reg,
		log:     logging.OrNoop(log),
		orphans: orphanage{items: make(map[uint64][]mailItem)},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queueKey = rz.RegisterPayload("tasks.queue", func(r *regionizer.Region) regionizer.Payload {
		return newQueue(s, r)
	})
	s.mailboxKey = rz.RegisterPayload("tasks.mailbox", func(*regionizer.Region) regionizer.Payload {
		return newMailbox(s)
	})
	rz.Subscribe(regionizer.Callbacks{
		CellAdded: func(_ context.Context, r *regionizer.Region, c model.Cell) {
			s.adoptOrphans(r, c)
		},
	})
	return s
}

// Queue returns the task queue of r.
func (s *Service) Queue(r *regionizer.Region) *Queue {
	return regionizer.PayloadOf[*Queue](r, s.queueKey)
}

// Mailbox returns the cross-region mailbox of r.
func (s *Service) Mailbox(r *regionizer.Region) *Mailbox {
	return regionizer.PayloadOf[*Mailbox](r, s.mailboxKey)
}

// Pending returns the number of bucketed tasks across all regions.
func (s *Service) Pending() int { return int(s.pending.Load()) }

// NewScheduler returns a named scheduling handle. Each subsystem that
// schedules work gets its own handle so it can be disabled independently.
func (s *Service) NewScheduler(name string) *Scheduler {
	return &Scheduler{svc: s, name: name}
}

func (s *Service) invoke(ctx context.Context, t *Task) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			outcome = "panic"
			s.log.Error(ctx, "task panicked",
				logging.String("cell", t.cell.String()),
				logging.String("scheduler", t.sched.name),
				logging.Any("panic", rec),
			)
		}
		s.observe(time.Since(start), outcome)
	}()
	if err := t.fn(ctx, t); err != nil {
		outcome = "error"
		s.log.Warn(ctx, "task failed",
			logging.String("cell", t.cell.String()),
			logging.String("scheduler", t.sched.name),
			logging.Err(err),
		)
	}
}

func (s *Service) invokeExec(ctx context.Context, item mailItem) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			outcome = "panic"
			s.log.Error(ctx, "execute body panicked",
				logging.String("cell", item.cell.String()),
				logging.Any("panic", rec),
			)
		}
		s.observe(time.Since(start), outcome)
	}()
	if err := item.exec(ctx); err != nil {
		outcome = "error"
		s.log.Warn(ctx, "execute body failed",
			logging.String("cell", item.cell.String()),
			logging.Err(err),
		)
	}
}

func (s *Service) observe(d time.Duration, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveTaskRun(d, outcome)
	}
}

func (s *Service) recordPending() {
	if s.metrics != nil {
		s.metrics.SetTasksPending(s.Pending())
	}
}

// Scheduler is the public scheduling surface handed to simulation code.
type Scheduler struct {
	svc      *Service
	name     string
	disabled atomic.Bool
}

// Name returns the handle's name.
func (s *Scheduler) Name() string { return s.name }

// Enabled reports whether the handle still accepts and runs work.
func (s *Scheduler) Enabled() bool { return !s.disabled.Load() }

// Disable stops the handle. Queued tasks are skipped when they come due
// and repeating tasks stop.
func (s *Scheduler) Disable() {
	s.disabled.Store(true)
}

// Execute runs fn on the owner of cell at its next opportunity.
func (s *Scheduler) Execute(ctx context.Context, cell model.Cell, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("execute at %s: nil body: %w", cell, ErrInvalidArgument)
	}
	if !s.Enabled() {
		return fmt.Errorf("execute at %s: %w", cell, ErrDisabled)
	}
	s.svc.submit(ctx, mailItem{cell: cell, exec: fn, sched: s})
	return nil
}

// Run schedules fn for the next tick of cell's owner.
func (s *Scheduler) Run(ctx context.Context, cell model.Cell, fn TaskFunc) (*Task, error) {
	return s.schedule(ctx, cell, 1, 0, fn)
}

// RunDelayed schedules fn to run delay ticks from now.
func (s *Scheduler) RunDelayed(ctx context.Context, cell model.Cell, delay int64, fn TaskFunc) (*Task, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("run delayed at %s: delay %d must be > 0: %w", cell, delay, ErrInvalidArgument)
	}
	return s.schedule(ctx, cell, delay, 0, fn)
}

// RunAtFixedRate schedules fn to run after initial ticks and then every
// period ticks until cancelled.
func (s *Scheduler) RunAtFixedRate(ctx context.Context, cell model.Cell, initial, period int64, fn TaskFunc) (*Task, error) {
	if initial <= 0 {
		return nil, fmt.Errorf("run at fixed rate at %s: initial delay %d must be > 0: %w", cell, initial, ErrInvalidArgument)
	}
	if period <= 0 {
		return nil, fmt.Errorf("run at fixed rate at %s: period %d must be > 0: %w", cell, period, ErrInvalidArgument)
	}
	return s.schedule(ctx, cell, initial, period, fn)
}

func (s *Scheduler) schedule(ctx context.Context, cell model.Cell, delay, period int64, fn TaskFunc) (*Task, error) {
	if fn == nil {
		return nil, fmt.Errorf("schedule at %s: nil body: %w", cell, ErrInvalidArgument)
	}
	if !s.Enabled() {
		return nil, fmt.Errorf("schedule at %s: %w", cell, ErrDisabled)
	}

	t := &Task{sched: s, cell: cell, period: period, fn: fn}
	if s.svc.rz.OwnsContext(ctx, cell) {
		r := s.svc.rz.RegionAt(cell)
		q := s.svc.Queue(r)
		q.add(ctx, t, int64(r.LocalTick())+delay)
		s.svc.recordPending()
		return t, nil
	}
	s.svc.submit(ctx, mailItem{cell: cell, task: t, delay: delay, sched: s})
	return t, nil
}
