package tasks

import (
	"context"
	"runtime"
	"sync"

	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/internal/tickets"
	"github.com/signalsfoundry/tickregions/model"
)

// mailItem is work submitted by a caller that does not own the target cell.
// Exactly one of task or exec is set. Every item holds a TicketMailboxHold
// on its cell until it is admitted.
type mailItem struct {
	cell  model.Cell
	task  *Task
	delay int64
	exec  func(ctx context.Context) error
	sched *Scheduler
}

// Mailbox receives cross-region submissions for one region. Pushing never
// waits on a tick; the worker drains it at the start of each tick.
type Mailbox struct {
	svc *Service

	mu    sync.Mutex
	items []mailItem
	dead  bool
	// forward names the mailbox that took over a cell once this one was
	// merged or split away. nil when the cell left every region.
	forward func(model.Cell) *Mailbox
}

func newMailbox(svc *Service) *Mailbox {
	return &Mailbox{svc: svc}
}

// push appends item unless the mailbox has been merged or split away. In
// that case it reports false along with the mailbox that now owns the
// item's cell, if any.
func (m *Mailbox) push(item mailItem) (bool, *Mailbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		if m.forward == nil {
			return false, nil
		}
		return false, m.forward(item.cell)
	}
	m.items = append(m.items, item)
	return true, nil
}

// Len returns the number of waiting items.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Mailbox) take() []mailItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// adopt appends items during a transaction. The target is quiesced, so it
// cannot be dead.
func (m *Mailbox) adopt(items []mailItem) {
	if len(items) == 0 {
		return
	}
	m.mu.Lock()
	m.items = append(m.items, items...)
	m.mu.Unlock()
}

func (m *Mailbox) kill(forward func(model.Cell) *Mailbox) []mailItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = true
	m.forward = forward
	items := m.items
	m.items = nil
	return items
}

// OnMerge moves waiting items into the destination mailbox. Delays are
// relative, so no re-basing is needed.
func (m *Mailbox) OnMerge(into regionizer.Payload, _ int64) {
	dst := into.(*Mailbox)
	dst.adopt(m.kill(func(model.Cell) *Mailbox { return dst }))
}

// OnSplit routes waiting items by cell. Items whose cell is gone wait as
// orphans until the cell is active again.
func (m *Mailbox) OnSplit(_ []regionizer.Payload, route func(model.Cell) regionizer.Payload) {
	forward := func(c model.Cell) *Mailbox {
		if target := route(c); target != nil {
			return target.(*Mailbox)
		}
		return nil
	}
	for _, item := range m.kill(forward) {
		if target := route(item.cell); target != nil {
			target.(*Mailbox).adopt([]mailItem{item})
			continue
		}
		m.svc.addOrphan(item)
	}
}

// OnDestroy parks waiting items as orphans.
func (m *Mailbox) OnDestroy() {
	for _, item := range m.kill(nil) {
		m.svc.addOrphan(item)
	}
}

// Drain admits every waiting item: scheduled tasks are bucketed relative to
// the current local tick and Execute bodies run immediately. The worker
// calls it with the tick token held, before advancing the tick.
func (m *Mailbox) Drain(ctx context.Context, q *Queue) int {
	items := m.take()
	now := int64(q.region.LocalTick())
	for _, item := range items {
		switch {
		case item.task != nil:
			if item.task.IsCancelled() || !item.sched.Enabled() {
				item.task.drop()
			} else {
				q.add(ctx, item.task, now+item.delay)
			}
		case item.exec != nil:
			if item.sched.Enabled() {
				m.svc.invokeExec(ctx, item)
			}
		}
		m.svc.tickets.Release(ctx, model.TicketMailboxHold, item.cell, model.MaxTicketLevel, nil)
	}
	if len(items) > 0 {
		m.svc.recordPending()
	}
	return len(items)
}

// orphanage parks items for cells that belong to no region.
type orphanage struct {
	mu    sync.Mutex
	items map[uint64][]mailItem
}

func (s *Service) addOrphan(item mailItem) {
	s.orphans.mu.Lock()
	s.orphans.items[item.cell.Key()] = append(s.orphans.items[item.cell.Key()], item)
	s.orphans.mu.Unlock()
}

// Orphans returns how many items are waiting for their cell to activate.
func (s *Service) Orphans() int {
	s.orphans.mu.Lock()
	defer s.orphans.mu.Unlock()
	n := 0
	for _, items := range s.orphans.items {
		n += len(items)
	}
	return n
}

// adoptOrphans hands parked items to the region that just gained cell.
func (s *Service) adoptOrphans(r *regionizer.Region, cell model.Cell) {
	s.orphans.mu.Lock()
	items := s.orphans.items[cell.Key()]
	delete(s.orphans.items, cell.Key())
	s.orphans.mu.Unlock()
	regionizer.PayloadOf[*Mailbox](r, s.mailboxKey).adopt(items)
}

// submit routes an item to the mailbox of the region owning its cell, or
// parks it as an orphan. It never waits on a tick: the cell hold is taken
// with deferred updates, so activation happens at the next worker boundary
// or maintenance step.
func (s *Service) submit(ctx context.Context, item mailItem) {
	s.tickets.Acquire(tickets.WithDeferredUpdates(ctx), model.TicketMailboxHold, item.cell, model.MaxTicketLevel, nil)
	for {
		s.orphans.mu.Lock()
		r := s.rz.RegionAt(item.cell)
		if r == nil {
			s.orphans.items[item.cell.Key()] = append(s.orphans.items[item.cell.Key()], item)
			s.orphans.mu.Unlock()
			return
		}
		s.orphans.mu.Unlock()
		for m := regionizer.PayloadOf[*Mailbox](r, s.mailboxKey); m != nil; {
			ok, next := m.push(item)
			if ok {
				return
			}
			m = next
		}
		// The cell is leaving its region; the transaction is past quiescing
		// and swaps the mapping next.
		runtime.Gosched()
	}
}
