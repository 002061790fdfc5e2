// Package tickets keeps reference-counted keep-alive claims on cells and
// reconciles them with the regionizer.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/model"
	"github.com/signalsfoundry/tickregions/timectrl"
)

const shardCount = 64

var (
	// ErrUnderflow is the panic value when releasing a ticket that is not held.
	ErrUnderflow = errors.New("tickets: release of ticket that is not held")
)

// Ticket describes one keep-alive claim.
type Ticket struct {
	Type  model.TicketType
	Cell  model.Cell
	Level uint8
	Key   any
	Count int
}

// MetricsRecorder captures ticket activity.
type MetricsRecorder interface {
	SetTicketsHeld(n int)
	IncTicketUpdate(action string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock sets the clock used to stamp tickets that expire.
func WithClock(c timectrl.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

type ticketID struct {
	typ   string
	level uint8
	key   any
}

type entry struct {
	typ     model.TicketType
	count   int
	expires time.Time
}

type shard struct {
	mu    sync.Mutex
	cells map[uint64]map[ticketID]*entry
}

// Registry is the ticket store. Keys passed to Acquire and Release must be
// comparable.
type Registry struct {
	rz      *regionizer.Regionizer
	log     logging.Logger
	clock   timectrl.Clock
	metrics MetricsRecorder

	shards [shardCount]shard
	held   atomic.Int64

	dirtyMu sync.Mutex
	dirty   map[uint64]model.Cell
	pending atomic.Bool

	processMu sync.Mutex
}

// New creates a registry that drives rz. The registry installs itself as the
// regionizer's keep-alive predicate.
func New(rz *regionizer.Regionizer, log logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		rz:    rz,
		log:   logging.OrNoop(log),
		clock: timectrl.RealClock{},
		dirty: make(map[uint64]model.Cell),
	}
	for i := range r.shards {
		r.shards[i].cells = make(map[uint64]map[ticketID]*entry)
	}
	for _, opt := range opts {
		opt(r)
	}
	if rz != nil {
		rz.SetKeepAlive(r.HoldsKeepAlive)
	}
	return r
}

func (r *Registry) shardFor(c model.Cell) *shard {
	h := c.Key() * 0x9E3779B97F4A7C15
	return &r.shards[h>>58]
}

type deferKey struct{}

// WithDeferredUpdates marks ctx so that ticket changes made with it are only
// reconciled later, by ProcessUpdates. Payload hooks use it because they run
// inside a regionizer transaction.
func WithDeferredUpdates(ctx context.Context) context.Context {
	return context.WithValue(ctx, deferKey{}, true)
}

func shouldDefer(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	if d, _ := ctx.Value(deferKey{}).(bool); d {
		return true
	}
	return regionizer.OwnerFrom(ctx) != nil || regionizer.InTransaction(ctx)
}

// Acquire adds one reference to the ticket (typ, cell, level, key).
func (r *Registry) Acquire(ctx context.Context, typ model.TicketType, cell model.Cell, level uint8, key any) {
	s := r.shardFor(cell)
	s.mu.Lock()
	wasAlive := aliveLocked(s.cells[cell.Key()])
	tickets := s.cells[cell.Key()]
	if tickets == nil {
		tickets = make(map[ticketID]*entry)
		s.cells[cell.Key()] = tickets
	}
	id := ticketID{typ: typ.Name, level: level, key: key}
	e := tickets[id]
	if e == nil {
		e = &entry{typ: typ}
		tickets[id] = e
	}
	e.count++
	if typ.Lifetime > 0 {
		e.expires = r.clock.Now().Add(typ.Lifetime)
	}
	nowAlive := aliveLocked(tickets)
	s.mu.Unlock()

	r.recordHeld(1)
	if wasAlive != nowAlive || (nowAlive && !r.isActive(cell)) {
		r.markDirty(ctx, cell)
	}
}

// Release drops one reference to the ticket. Releasing a ticket that is not
// held panics with ErrUnderflow.
func (r *Registry) Release(ctx context.Context, typ model.TicketType, cell model.Cell, level uint8, key any) {
	s := r.shardFor(cell)
	s.mu.Lock()
	tickets := s.cells[cell.Key()]
	id := ticketID{typ: typ.Name, level: level, key: key}
	e := tickets[id]
	if e == nil || e.count <= 0 {
		s.mu.Unlock()
		panic(fmt.Errorf("%w: %s at %s level %d key %v", ErrUnderflow, typ, cell, level, key))
	}
	wasAlive := aliveLocked(tickets)
	e.count--
	if e.count == 0 {
		delete(tickets, id)
		if len(tickets) == 0 {
			delete(s.cells, cell.Key())
		}
	}
	nowAlive := aliveLocked(s.cells[cell.Key()])
	s.mu.Unlock()

	r.recordHeld(-1)
	if wasAlive != nowAlive {
		r.markDirty(ctx, cell)
	}
}

// HoldsKeepAlive reports whether any ticket on cell is at a level that keeps
// it alive. It is the regionizer's deactivation predicate.
func (r *Registry) HoldsKeepAlive(cell model.Cell) bool {
	s := r.shardFor(cell)
	s.mu.Lock()
	defer s.mu.Unlock()
	return aliveLocked(s.cells[cell.Key()])
}

// Level returns the strongest (lowest) level held on cell.
func (r *Registry) Level(cell model.Cell) (uint8, bool) {
	s := r.shardFor(cell)
	s.mu.Lock()
	defer s.mu.Unlock()
	return levelLocked(s.cells[cell.Key()])
}

// Tickets lists the tickets held on cell, ordered by level then type.
func (r *Registry) Tickets(cell model.Cell) []Ticket {
	s := r.shardFor(cell)
	s.mu.Lock()
	out := make([]Ticket, 0, len(s.cells[cell.Key()]))
	for id, e := range s.cells[cell.Key()] {
		out = append(out, Ticket{Type: e.typ, Cell: cell, Level: id.level, Key: id.key, Count: e.count})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Type.Name < out[j].Type.Name
	})
	return out
}

// Held returns the total number of ticket references.
func (r *Registry) Held() int { return int(r.held.Load()) }

// Pending reports whether some cell is waiting for ProcessUpdates.
func (r *Registry) Pending() bool { return r.pending.Load() }

// ProcessUpdates reconciles dirty cells with the regionizer: held cells that
// are inactive get activated and active cells no longer held get
// deactivated. Calls from inside a tick or a transaction are no-ops; the
// worker calls it again at its next tick boundary. It returns the number of
// transactions performed.
func (r *Registry) ProcessUpdates(ctx context.Context) int {
	if shouldDefer(ctx) || r.rz == nil {
		return 0
	}
	r.processMu.Lock()
	defer r.processMu.Unlock()

	r.dirtyMu.Lock()
	dirty := r.dirty
	r.dirty = make(map[uint64]model.Cell)
	r.pending.Store(false)
	r.dirtyMu.Unlock()
	if len(dirty) == 0 {
		return 0
	}

	cells := make([]model.Cell, 0, len(dirty))
	for _, c := range dirty {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Key() < cells[j].Key() })

	done := 0
	for _, c := range cells {
		held := r.HoldsKeepAlive(c)
		active := r.rz.IsActive(c)
		switch {
		case held && !active:
			if _, err := r.rz.Activate(ctx, c); err != nil && !errors.Is(err, regionizer.ErrAlreadyActive) {
				r.log.Warn(ctx, "ticket activation failed", logging.String("cell", c.String()), logging.Err(err))
				continue
			}
			done++
			r.recordUpdate("activate")
		case !held && active:
			err := r.rz.Deactivate(ctx, c)
			if errors.Is(err, regionizer.ErrCellHeld) || errors.Is(err, regionizer.ErrNotActive) {
				continue
			}
			if err != nil {
				r.log.Warn(ctx, "ticket deactivation failed", logging.String("cell", c.String()), logging.Err(err))
				continue
			}
			done++
			r.recordUpdate("deactivate")
		}
	}
	return done
}

// Expire drops every ticket whose type lifetime has elapsed at now and
// reconciles the affected cells. It returns the number of tickets removed.
func (r *Registry) Expire(ctx context.Context, now time.Time) int {
	removed := 0
	for i := range r.shards {
		s := &r.shards[i]
		var changed []model.Cell
		s.mu.Lock()
		for k, tickets := range s.cells {
			wasAlive := aliveLocked(tickets)
			for id, e := range tickets {
				if e.expires.IsZero() || now.Before(e.expires) {
					continue
				}
				removed += e.count
				r.held.Add(-int64(e.count))
				delete(tickets, id)
			}
			if len(tickets) == 0 {
				delete(s.cells, k)
			}
			if wasAlive != aliveLocked(s.cells[k]) {
				changed = append(changed, model.CellFromKey(k))
			}
		}
		s.mu.Unlock()
		for _, c := range changed {
			r.markDirty(WithDeferredUpdates(ctx), c)
		}
	}
	if removed > 0 {
		r.recordUpdate("expire")
		if r.metrics != nil {
			r.metrics.SetTicketsHeld(r.Held())
		}
	}
	r.ProcessUpdates(ctx)
	return removed
}

func (r *Registry) markDirty(ctx context.Context, c model.Cell) {
	r.dirtyMu.Lock()
	r.dirty[c.Key()] = c
	r.pending.Store(true)
	r.dirtyMu.Unlock()
	r.ProcessUpdates(ctx)
}

func (r *Registry) isActive(c model.Cell) bool {
	return r.rz != nil && r.rz.IsActive(c)
}

func (r *Registry) recordHeld(delta int64) {
	n := r.held.Add(delta)
	if r.metrics != nil {
		r.metrics.SetTicketsHeld(int(n))
	}
}

func (r *Registry) recordUpdate(action string) {
	if r.metrics != nil {
		r.metrics.IncTicketUpdate(action)
	}
}

func levelLocked(tickets map[ticketID]*entry) (uint8, bool) {
	if len(tickets) == 0 {
		return 0, false
	}
	best := uint8(255)
	for id := range tickets {
		if id.level < best {
			best = id.level
		}
	}
	return best, true
}

func aliveLocked(tickets map[ticketID]*entry) bool {
	level, ok := levelLocked(tickets)
	return ok && level <= model.MaxTicketLevel
}
