package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/tickregions/model"
)

func noopTask(context.Context, *Task) error { return nil }

func TestMergePreservesRemainingTicks(t *testing.T) {
	h := newHarness(t)
	a := model.Cell{X: 0, Z: 0}
	b := []model.Cell{{X: 2, Z: 0}, {X: 3, Z: 0}}
	h.force(a)
	h.force(b...)

	h.tickCell(a, 5)
	h.tickCell(b[0], 1)

	fired := uint64(0)
	if _, err := h.sched.RunDelayed(h.ownerCtx(a), a, 10, func(ctx context.Context, _ *Task) error {
		fired = h.rz.RegionAt(a).LocalTick()
		return nil
	}); err != nil {
		t.Fatalf("RunDelayed: %v", err)
	}
	if diff := cmp.Diff([]int64{15}, h.svc.Queue(h.rz.RegionAt(a)).Deadlines(a)); diff != "" {
		t.Fatalf("deadline before merge (-want +got):\n%s", diff)
	}

	h.force(model.Cell{X: 1, Z: 0})
	merged := h.rz.RegionAt(a)
	if merged != h.rz.RegionAt(b[0]) {
		t.Fatalf("bridge cell did not merge the regions")
	}
	if merged.LocalTick() != 1 {
		t.Fatalf("merge target local tick = %d, want 1", merged.LocalTick())
	}
	if diff := cmp.Diff([]int64{11}, h.svc.Queue(merged).Deadlines(a)); diff != "" {
		t.Fatalf("deadline after merge (-want +got):\n%s", diff)
	}

	h.tickCell(a, 9)
	if fired != 0 {
		t.Fatalf("task fired early at tick %d", fired)
	}
	h.tickCell(a, 1)
	if fired != 11 {
		t.Fatalf("task fired at tick %d, want 11 (ten ticks after merge)", fired)
	}
}

func TestSplitRoutesBucketsByCell(t *testing.T) {
	h := newHarness(t)
	lShape := []model.Cell{{X: 0, Z: 0}, {X: 1, Z: 0}, {X: 2, Z: 0}, {X: 2, Z: 1}, {X: 2, Z: 2}}
	corner := model.Cell{X: 2, Z: 0}
	h.force(lShape...)
	h.tickCell(corner, 4)

	for i, c := range lShape {
		if c == corner {
			continue
		}
		if _, err := h.sched.RunDelayed(h.ownerCtx(c), c, int64(10+i), noopTask); err != nil {
			t.Fatalf("RunDelayed(%s): %v", c, err)
		}
	}

	h.unforce(corner)
	if h.rz.IsActive(corner) {
		t.Fatalf("corner still active after its ticket was released")
	}
	regions := h.rz.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions after split, got %d", len(regions))
	}

	for _, r := range regions {
		q := h.svc.Queue(r)
		if q.Len() != 2 {
			t.Fatalf("region %d holds %d tasks, want 2", r.ID(), q.Len())
		}
		for _, c := range r.Cells() {
			idx := -1
			for i, lc := range lShape {
				if lc == c {
					idx = i
				}
			}
			want := []int64{int64(4 + 10 + idx)}
			if diff := cmp.Diff(want, q.Deadlines(c)); diff != "" {
				t.Fatalf("region %d cell %s deadlines (-want +got):\n%s", r.ID(), c, diff)
			}
		}
	}
}

func TestSplitDropsBucketsOfDeactivatedCell(t *testing.T) {
	h := newHarness(t)
	cells := []model.Cell{{X: 0, Z: 0}, {X: 1, Z: 0}, {X: 2, Z: 0}}
	h.force(cells...)

	middle := cells[1]
	task, err := h.sched.RunDelayed(h.ownerCtx(middle), middle, 5, noopTask)
	if err != nil {
		t.Fatalf("RunDelayed: %v", err)
	}

	// Bypass the ticket predicate to force the middle cell out.
	h.rz.SetKeepAlive(nil)
	if err := h.rz.Deactivate(context.Background(), middle); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got := task.ExecutionState(); got != StateCancelled {
		t.Fatalf("dropped task state = %s, want cancelled", got)
	}
	for _, r := range h.rz.Regions() {
		if n := h.svc.Queue(r).Len(); n != 0 {
			t.Fatalf("region %d still holds %d tasks", r.ID(), n)
		}
	}
	for _, tk := range h.reg.Tickets(middle) {
		if tk.Type == model.TicketTaskHold {
			t.Fatalf("task hold not released for dropped bucket")
		}
	}
}

func TestCrossRegionSubmissionIsAdoptedAfterActivation(t *testing.T) {
	h := newHarness(t)
	home := model.Cell{X: 0, Z: 0}
	remote := model.Cell{X: 50, Z: 50}
	h.force(home)

	runs := 0
	homeRegion := h.rz.RegionAt(home)
	h.tick(homeRegion, func(ctx context.Context) {
		if _, err := h.sched.Run(ctx, remote, func(ctx context.Context, _ *Task) error {
			if !h.rz.OwnsContext(ctx, remote) {
				t.Errorf("remote task ran without owning its cell")
			}
			runs++
			return nil
		}); err != nil {
			t.Errorf("Run: %v", err)
		}
		if h.svc.Orphans() != 1 {
			t.Errorf("Orphans() = %d, want 1 while the cell is inactive", h.svc.Orphans())
		}
	})

	if !h.rz.IsActive(remote) {
		t.Fatalf("remote cell should activate at the tick boundary")
	}
	if h.svc.Orphans() != 0 {
		t.Fatalf("orphan not adopted after activation")
	}
	if got := h.svc.Mailbox(h.rz.RegionAt(remote)).Len(); got != 1 {
		t.Fatalf("remote mailbox length = %d, want 1", got)
	}

	h.tickCell(remote, 2)
	if runs != 1 {
		t.Fatalf("remote task runs = %d, want 1", runs)
	}
}

func TestMailboxItemsFollowMerge(t *testing.T) {
	h := newHarness(t)
	a := model.Cell{X: 0, Z: 0}
	h.force(a, model.Cell{X: 2, Z: 0}, model.Cell{X: 3, Z: 0})

	if err := h.sched.Execute(context.Background(), a, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	before := h.rz.RegionAt(a)
	if h.svc.Mailbox(before).Len() != 1 {
		t.Fatalf("expected one queued item")
	}

	h.force(model.Cell{X: 1, Z: 0})
	after := h.rz.RegionAt(a)
	if got := h.svc.Mailbox(after).Len(); got != 1 {
		t.Fatalf("mailbox length after merge = %d, want 1", got)
	}
	if before == after {
		t.Fatalf("expected the single-cell region to merge into the larger one")
	}
	ok, next := h.svc.Mailbox(before).push(mailItem{cell: a})
	if ok {
		t.Fatalf("retired mailbox accepted a push")
	}
	if next != h.svc.Mailbox(after) {
		t.Fatalf("retired mailbox does not forward to the merge target")
	}
}

func TestCrossRegionSubmissionDoesNotWaitForTicks(t *testing.T) {
	h := newHarness(t)
	home := model.Cell{X: 0, Z: 0}
	next := model.Cell{X: 1, Z: 0}
	h.force(home)

	r := h.rz.RegionAt(home)
	if !r.BeginTick() {
		t.Fatalf("BeginTick failed on a live region")
	}
	done := make(chan error, 1)
	go func() {
		done <- h.sched.Execute(context.Background(), next, func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	case <-time.After(2 * time.Second):
		r.EndTick()
		t.Fatalf("Execute blocked while the neighbouring region was ticking")
	}
	if h.svc.Orphans() != 1 {
		t.Fatalf("Orphans() = %d, want 1 before the activation is applied", h.svc.Orphans())
	}
	r.EndTick()

	h.reg.ProcessUpdates(context.Background())
	if h.rz.RegionAt(next) != r {
		t.Fatalf("submitted cell did not join the neighbouring region")
	}
	if got := h.svc.Mailbox(r).Len(); got != 1 {
		t.Fatalf("mailbox length = %d, want 1", got)
	}
}

func TestCancelAfterMergeUnlinksFromTarget(t *testing.T) {
	h := newHarness(t)
	a := model.Cell{X: 0, Z: 0}
	h.force(a, model.Cell{X: 2, Z: 0}, model.Cell{X: 3, Z: 0})

	task, err := h.sched.RunDelayed(h.ownerCtx(a), a, 50, noopTask)
	if err != nil {
		t.Fatalf("RunDelayed: %v", err)
	}
	h.force(model.Cell{X: 1, Z: 0})
	merged := h.svc.Queue(h.rz.RegionAt(a))
	if merged.Len() != 1 {
		t.Fatalf("merged queue holds %d tasks, want 1", merged.Len())
	}

	if got := task.Cancel(); got != CancelledByCaller {
		t.Fatalf("Cancel() = %s, want cancelled_by_caller", got)
	}
	if merged.Len() != 0 || merged.Deadlines(a) != nil {
		t.Fatalf("cancelled task still bucketed in the merge target")
	}
	for _, tk := range h.reg.Tickets(a) {
		if tk.Type == model.TicketTaskHold {
			t.Fatalf("task hold survived cancellation")
		}
	}
}
