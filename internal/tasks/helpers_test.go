package tasks

import (
	"context"
	"testing"

	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/internal/tickets"
	"github.com/signalsfoundry/tickregions/model"
)

type harness struct {
	t     *testing.T
	rz    *regionizer.Regionizer
	reg   *tickets.Registry
	svc   *Service
	sched *Scheduler
}

func newHarness(t *testing.T, opts ...regionizer.Option) *harness {
	t.Helper()
	rz := regionizer.New(nil, opts...)
	reg := tickets.New(rz, nil)
	svc := NewService(rz, reg, nil)
	return &harness{t: t, rz: rz, reg: reg, svc: svc, sched: svc.NewScheduler("test")}
}

// force pins cells active with a forced ticket.
func (h *harness) force(cells ...model.Cell) {
	h.t.Helper()
	for _, c := range cells {
		h.reg.Acquire(context.Background(), model.TicketForced, c, model.MaxTicketLevel, nil)
		if !h.rz.IsActive(c) {
			h.t.Fatalf("cell %s not active after forced ticket", c)
		}
	}
}

func (h *harness) unforce(c model.Cell) {
	h.reg.Release(context.Background(), model.TicketForced, c, model.MaxTicketLevel, nil)
}

// tick runs one worker iteration for r the way the tick loop does. It
// reports false when r has retired.
func (h *harness) tick(r *regionizer.Region, body func(ctx context.Context)) bool {
	if !r.BeginTick() {
		return false
	}
	ctx := regionizer.WithOwner(context.Background(), r.Owner())
	h.svc.Mailbox(r).Drain(ctx, h.svc.Queue(r))
	r.AdvanceTick()
	h.svc.Queue(r).Tick(ctx)
	if body != nil {
		body(ctx)
	}
	r.EndTick()
	h.reg.ProcessUpdates(context.Background())
	return true
}

// tickCell ticks whichever region owns c n times, following it across
// transactions. It stops early once c is no longer active.
func (h *harness) tickCell(c model.Cell, n int) {
	for i := 0; i < n; i++ {
		r := h.rz.RegionAt(c)
		if r == nil {
			return
		}
		h.tick(r, nil)
	}
}

// ownerCtx returns a tick context for the region owning c. Only valid while
// the test goroutine is the sole driver of that region.
func (h *harness) ownerCtx(c model.Cell) context.Context {
	r := h.rz.RegionAt(c)
	if r == nil {
		h.t.Fatalf("cell %s has no region", c)
	}
	return regionizer.WithOwner(context.Background(), r.Owner())
}
