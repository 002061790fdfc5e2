package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestTimeControllerAcceleratedStep(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	tc := NewTimeController(clock, time.Second, Accelerated)

	var seen []time.Time
	tc.AddListener(func(_ context.Context, now time.Time) {
		seen = append(seen, now)
	})

	for i := 0; i < 3; i++ {
		tc.Step(context.Background())
	}

	if got := tc.Steps(); got != 3 {
		t.Fatalf("Steps() = %d, want 3", got)
	}
	expected := start.Add(3 * time.Second)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
	if len(seen) != 3 || !seen[0].Equal(start.Add(time.Second)) {
		t.Fatalf("listener times = %v", seen)
	}
}

func TestTimeControllerRealTimeFollowsClock(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	tc := NewTimeController(clock, 50*time.Millisecond, RealTime)

	stepped := make(chan time.Time, 4)
	tc.AddListener(func(_ context.Context, now time.Time) { stepped <- now })

	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Start(ctx)

	waitPending(t, clock, 1)
	clock.Advance(50 * time.Millisecond)

	select {
	case now := <-stepped:
		if !now.Equal(start.Add(50 * time.Millisecond)) {
			t.Fatalf("step time = %v", now)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not step after clock advance")
	}

	cancel()
	waitPending(t, clock, 1)
	clock.Advance(50 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop after cancel")
	}
}

func TestManualClockFiresInOrder(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	late := clock.After(20 * time.Millisecond)
	early := clock.After(10 * time.Millisecond)

	clock.Advance(10 * time.Millisecond)
	select {
	case <-early:
	default:
		t.Fatalf("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatalf("late timer fired too soon")
	default:
	}

	clock.Advance(10 * time.Millisecond)
	select {
	case <-late:
	default:
		t.Fatalf("late timer did not fire")
	}
	if clock.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", clock.Pending())
	}
}

func waitPending(t *testing.T, clock *ManualClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clock.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending timers", n)
		}
		time.Sleep(time.Millisecond)
	}
}
