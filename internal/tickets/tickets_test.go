package tickets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/model"
	"github.com/signalsfoundry/tickregions/timectrl"
)

type recordingMetrics struct {
	mu      sync.Mutex
	held    int
	updates map[string]int
}

func (m *recordingMetrics) SetTicketsHeld(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = n
}

func (m *recordingMetrics) IncTicketUpdate(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updates == nil {
		m.updates = make(map[string]int)
	}
	m.updates[action]++
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *regionizer.Regionizer) {
	t.Helper()
	rz := regionizer.New(nil)
	return New(rz, nil, opts...), rz
}

func TestAcquireActivatesAndReleaseDeactivates(t *testing.T) {
	metrics := &recordingMetrics{}
	reg, rz := newTestRegistry(t, WithMetricsRecorder(metrics))
	ctx := context.Background()
	c := model.Cell{X: 3, Z: 4}

	reg.Acquire(ctx, model.TicketForced, c, model.MaxTicketLevel, "a")
	reg.Acquire(ctx, model.TicketForced, c, model.MaxTicketLevel, "a")
	if !rz.IsActive(c) {
		t.Fatalf("cell not activated by ticket")
	}
	if reg.Held() != 2 {
		t.Fatalf("Held() = %d, want 2", reg.Held())
	}

	reg.Release(ctx, model.TicketForced, c, model.MaxTicketLevel, "a")
	if !rz.IsActive(c) {
		t.Fatalf("cell deactivated while a reference remains")
	}
	reg.Release(ctx, model.TicketForced, c, model.MaxTicketLevel, "a")
	if rz.IsActive(c) {
		t.Fatalf("cell still active after last release")
	}

	want := map[string]int{"activate": 1, "deactivate": 1}
	if diff := cmp.Diff(want, metrics.updates); diff != "" {
		t.Fatalf("updates mismatch (-want +got):\n%s", diff)
	}
	if metrics.held != 0 {
		t.Fatalf("metrics held = %d, want 0", metrics.held)
	}
}

func TestWeakLevelsDoNotKeepAlive(t *testing.T) {
	reg, rz := newTestRegistry(t)
	ctx := context.Background()
	c := model.Cell{X: 1, Z: 1}

	reg.Acquire(ctx, model.TicketPlayer, c, model.MaxTicketLevel+1, 1)
	if reg.HoldsKeepAlive(c) || rz.IsActive(c) {
		t.Fatalf("ticket above the maximum level must not keep the cell alive")
	}
	reg.Acquire(ctx, model.TicketForced, c, 10, 2)
	if level, ok := reg.Level(c); !ok || level != 10 {
		t.Fatalf("Level() = %d, %v; want 10, true", level, ok)
	}
	if !reg.HoldsKeepAlive(c) {
		t.Fatalf("level 10 ticket should keep the cell alive")
	}

	got := reg.Tickets(c)
	if len(got) != 2 || got[0].Level != 10 || got[1].Type != model.TicketPlayer {
		t.Fatalf("Tickets() = %+v", got)
	}
}

func TestUpdatesDeferredInsideTick(t *testing.T) {
	reg, rz := newTestRegistry(t)
	home := model.Cell{X: 0, Z: 0}
	remote := model.Cell{X: 20, Z: 20}
	reg.Acquire(context.Background(), model.TicketForced, home, model.MaxTicketLevel, nil)

	tickCtx := regionizer.WithOwner(context.Background(), rz.RegionAt(home).Owner())
	reg.Acquire(tickCtx, model.TicketForced, remote, model.MaxTicketLevel, nil)
	if rz.IsActive(remote) {
		t.Fatalf("activation must wait for the tick boundary")
	}
	if !reg.Pending() {
		t.Fatalf("expected pending updates")
	}
	if n := reg.ProcessUpdates(tickCtx); n != 0 {
		t.Fatalf("ProcessUpdates inside tick performed %d transactions", n)
	}

	if n := reg.ProcessUpdates(context.Background()); n != 1 {
		t.Fatalf("ProcessUpdates() = %d, want 1", n)
	}
	if !rz.IsActive(remote) {
		t.Fatalf("remote cell not activated at tick boundary")
	}
	if reg.Pending() {
		t.Fatalf("pending flag not cleared")
	}
}

func TestHeldCellCannotBeDeactivated(t *testing.T) {
	reg, rz := newTestRegistry(t)
	c := model.Cell{X: 2, Z: 2}
	reg.Acquire(context.Background(), model.TicketTaskHold, c, model.MaxTicketLevel, nil)

	if err := rz.Deactivate(context.Background(), c); !errors.Is(err, regionizer.ErrCellHeld) {
		t.Fatalf("expected ErrCellHeld, got %v", err)
	}
}

func TestReleaseUnderflowPanics(t *testing.T) {
	reg, _ := newTestRegistry(t)
	defer func() {
		err, ok := recover().(error)
		if !ok || !errors.Is(err, ErrUnderflow) {
			t.Fatalf("expected ErrUnderflow panic, got %v", err)
		}
	}()
	reg.Release(context.Background(), model.TicketForced, model.Cell{}, model.MaxTicketLevel, nil)
}

func TestExpireRemovesTimedTickets(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	reg, rz := newTestRegistry(t, WithClock(clock))
	ctx := context.Background()
	c := model.Cell{X: 9, Z: 9}

	reg.Acquire(ctx, model.TicketPostTeleport, c, model.MaxTicketLevel, nil)
	if !rz.IsActive(c) {
		t.Fatalf("expiring ticket should still activate")
	}
	if n := reg.Expire(ctx, clock.Now().Add(time.Second)); n != 0 {
		t.Fatalf("Expire before lifetime removed %d", n)
	}

	clock.Advance(model.TicketPostTeleport.Lifetime)
	if n := reg.Expire(ctx, clock.Now()); n != 1 {
		t.Fatalf("Expire() = %d, want 1", n)
	}
	if rz.IsActive(c) {
		t.Fatalf("cell still active after its only ticket expired")
	}
	if reg.Held() != 0 {
		t.Fatalf("Held() = %d, want 0", reg.Held())
	}
}

func TestConcurrentAcquireReleaseDistinctCells(t *testing.T) {
	reg, rz := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := model.Cell{X: int32(i * 4), Z: 0}
			for j := 0; j < 50; j++ {
				reg.Acquire(ctx, model.TicketForced, c, model.MaxTicketLevel, j)
				reg.Release(ctx, model.TicketForced, c, model.MaxTicketLevel, j)
			}
		}(i)
	}
	wg.Wait()

	reg.ProcessUpdates(ctx)
	if reg.Held() != 0 {
		t.Fatalf("Held() = %d, want 0", reg.Held())
	}
	if n := rz.ActiveCells(); n != 0 {
		t.Fatalf("ActiveCells() = %d, want 0", n)
	}
}
