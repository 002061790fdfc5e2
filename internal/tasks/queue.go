package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/internal/tickets"
	"github.com/signalsfoundry/tickregions/model"
)

// cellBucket holds the pending tasks of one cell keyed by deadline. A bucket
// exists exactly while it holds at least one task, and while it exists the
// cell carries a TicketTaskHold.
type cellBucket struct {
	cell     model.Cell
	deadline map[int64][]*Task
	count    int
}

// Queue is the per-region deferred task payload. Tick and add require the
// region's tick token, or run inside a regionizer transaction. mu guards the
// buckets against Task.Cancel, which unlinks from any goroutine.
type Queue struct {
	svc    *Service
	region *regionizer.Region

	mu      sync.Mutex
	buckets map[uint64]*cellBucket
}

func newQueue(svc *Service, r *regionizer.Region) *Queue {
	return &Queue{svc: svc, region: r, buckets: make(map[uint64]*cellBucket)}
}

// Len returns the number of tasks waiting in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.buckets {
		n += b.count
	}
	return n
}

// Deadlines returns the pending deadlines for cell in ascending order.
func (q *Queue) Deadlines(cell model.Cell) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.buckets[cell.Key()]
	if b == nil {
		return nil
	}
	out := make([]int64, 0, len(b.deadline))
	for d, ts := range b.deadline {
		for range ts {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// add buckets t at deadline, taking the cell's task hold if the bucket is
// new.
func (q *Queue) add(ctx context.Context, t *Task, deadline int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.seq = q.svc.seq.Add(1)
	t.deadline = deadline
	t.queue.Store(q)
	if t.state.Load() == stateCancelled {
		// Cancelled before it could be bucketed; Cancel found no queue.
		t.queue.Store(nil)
		return
	}
	b := q.buckets[t.cell.Key()]
	if b == nil {
		b = &cellBucket{cell: t.cell, deadline: make(map[int64][]*Task)}
		q.buckets[t.cell.Key()] = b
		q.svc.tickets.Acquire(ctx, model.TicketTaskHold, t.cell, model.MaxTicketLevel, nil)
	}
	b.deadline[deadline] = append(b.deadline[deadline], t)
	b.count++
	q.svc.pending.Add(1)
}

// Tick runs every task due at the region's current local tick in
// submission order. The worker calls it right after advancing the tick.
func (q *Queue) Tick(ctx context.Context) int {
	now := int64(q.region.LocalTick())

	var due []*Task
	q.mu.Lock()
	for key, b := range q.buckets {
		ts, ok := b.deadline[now]
		if !ok {
			continue
		}
		delete(b.deadline, now)
		b.count -= len(ts)
		due = append(due, ts...)
		if b.count == 0 {
			delete(q.buckets, key)
			q.svc.tickets.Release(ctx, model.TicketTaskHold, b.cell, model.MaxTicketLevel, nil)
		}
	}
	for _, t := range due {
		t.queue.Store(nil)
	}
	q.mu.Unlock()
	if len(due) == 0 {
		return 0
	}
	q.svc.pending.Add(-int64(len(due)))
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })

	ran := 0
	for _, t := range due {
		if !t.sched.Enabled() {
			t.drop()
			continue
		}
		if !t.beginRun() {
			continue
		}
		q.svc.invoke(ctx, t)
		ran++
		if t.endRun() {
			q.add(ctx, t, now+t.period)
		} else {
			t.fn = nil
		}
	}
	q.svc.recordPending()
	return ran
}

// OnMerge moves every bucket into the destination, re-basing deadlines so
// the number of ticks left before each task fires is unchanged.
func (q *Queue) OnMerge(into regionizer.Payload, tickOffset int64) {
	dst := into.(*Queue)
	ctx := tickets.WithDeferredUpdates(context.Background())
	q.mu.Lock()
	defer q.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	for key, b := range q.buckets {
		rebased := make(map[int64][]*Task, len(b.deadline))
		for d, ts := range b.deadline {
			for _, t := range ts {
				t.deadline = d - tickOffset
				t.queue.Store(dst)
			}
			rebased[d-tickOffset] = ts
		}
		existing := dst.buckets[key]
		if existing == nil {
			b.deadline = rebased
			dst.buckets[key] = b
			continue
		}
		for d, ts := range rebased {
			existing.deadline[d] = append(existing.deadline[d], ts...)
		}
		existing.count += b.count
		q.svc.tickets.Release(ctx, model.TicketTaskHold, b.cell, model.MaxTicketLevel, nil)
	}
	q.buckets = nil
}

// OnSplit hands each bucket to the target owning its cell. Buckets whose
// cell is gone are dropped and their tasks cancelled.
func (q *Queue) OnSplit(_ []regionizer.Payload, route func(model.Cell) regionizer.Payload) {
	ctx := tickets.WithDeferredUpdates(context.Background())
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, b := range q.buckets {
		target := route(b.cell)
		if target == nil {
			q.dropBucket(ctx, b)
			continue
		}
		dst := target.(*Queue)
		dst.mu.Lock()
		for _, ts := range b.deadline {
			for _, t := range ts {
				t.queue.Store(dst)
			}
		}
		dst.buckets[key] = b
		dst.mu.Unlock()
	}
	q.buckets = nil
}

// OnDestroy releases the task holds of a region that lost its last cell.
func (q *Queue) OnDestroy() {
	ctx := tickets.WithDeferredUpdates(context.Background())
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.buckets {
		q.dropBucket(ctx, b)
	}
	q.buckets = nil
}

func (q *Queue) dropBucket(ctx context.Context, b *cellBucket) {
	for _, ts := range b.deadline {
		for _, t := range ts {
			t.queue.Store(nil)
			t.drop()
		}
	}
	q.svc.pending.Add(-int64(b.count))
	q.svc.tickets.Release(ctx, model.TicketTaskHold, b.cell, model.MaxTicketLevel, nil)
	q.svc.log.Warn(ctx, "dropped tasks for inactive cell",
		logging.String("cell", b.cell.String()),
		logging.Int("tasks", b.count),
	)
}

// unlink removes a cancelled task from its bucket, releasing the cell's task
// hold when the bucket empties. The release is deferred because Cancel may
// run inside a tick or a transaction.
func (t *Task) unlink() {
	for {
		q := t.queue.Load()
		if q == nil {
			return
		}
		q.mu.Lock()
		if t.queue.Load() != q {
			// Moved by a merge or split while we waited.
			q.mu.Unlock()
			continue
		}
		q.removeLocked(t)
		q.mu.Unlock()
		q.svc.recordPending()
		return
	}
}

func (q *Queue) removeLocked(t *Task) {
	t.queue.Store(nil)
	b := q.buckets[t.cell.Key()]
	if b == nil {
		return
	}
	ts := b.deadline[t.deadline]
	for i, other := range ts {
		if other != t {
			continue
		}
		ts = append(ts[:i:i], ts[i+1:]...)
		if len(ts) == 0 {
			delete(b.deadline, t.deadline)
		} else {
			b.deadline[t.deadline] = ts
		}
		b.count--
		q.svc.pending.Add(-1)
		break
	}
	if b.count == 0 {
		delete(q.buckets, t.cell.Key())
		q.svc.tickets.Release(tickets.WithDeferredUpdates(context.Background()), model.TicketTaskHold, b.cell, model.MaxTicketLevel, nil)
	}
}
