package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRegionCollectorRecordsTransactions(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRegionCollector(reg)
	if err != nil {
		t.Fatalf("NewRegionCollector: %v", err)
	}

	collector.ObserveTransaction("merge", 3*time.Millisecond)
	collector.ObserveTransaction("merge", time.Millisecond)
	collector.ObserveTransaction("split", time.Millisecond)

	if count := histogramSampleCount(t, reg, "regionizer_transaction_duration_seconds", map[string]string{"kind": "merge"}); count != 2 {
		t.Fatalf("merge sample_count = %d, want 2", count)
	}
	if count := histogramSampleCount(t, reg, "regionizer_transaction_duration_seconds", map[string]string{"kind": "split"}); count != 1 {
		t.Fatalf("split sample_count = %d, want 1", count)
	}
}

func TestRegionCollectorGaugesAndCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRegionCollector(reg)
	if err != nil {
		t.Fatalf("NewRegionCollector: %v", err)
	}

	collector.SetRegionCounts(3, 17)
	collector.SetTicketsHeld(9)
	collector.IncTicketUpdate("activate")
	collector.IncTicketUpdate("activate")
	collector.IncTicketUpdate("deactivate")
	collector.SetProfiledRegions(2)
	collector.IncProfilerSessions("completed")

	if got := testutil.ToFloat64(collector.Regions); got != 3 {
		t.Fatalf("regionizer_regions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.ActiveCells); got != 17 {
		t.Fatalf("regionizer_active_cells = %v, want 17", got)
	}
	if got := testutil.ToFloat64(collector.TicketsHeld); got != 9 {
		t.Fatalf("tickets_held = %v, want 9", got)
	}
	if got := testutil.ToFloat64(collector.TicketUpdates.WithLabelValues("activate")); got != 2 {
		t.Fatalf("tickets_updates_total{activate} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.ProfiledRegions); got != 2 {
		t.Fatalf("profiler_regions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.ProfilerSessions.WithLabelValues("completed")); got != 1 {
		t.Fatalf("profiler_sessions_total{completed} = %v, want 1", got)
	}
}

func TestCollectorsReuseRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRegionCollector(reg)
	if err != nil {
		t.Fatalf("NewRegionCollector: %v", err)
	}
	second, err := NewRegionCollector(reg)
	if err != nil {
		t.Fatalf("second NewRegionCollector: %v", err)
	}
	first.SetTicketsHeld(4)
	if got := testutil.ToFloat64(second.TicketsHeld); got != 4 {
		t.Fatalf("reused tickets_held = %v, want 4", got)
	}

	if _, err := NewSchedulerCollector(reg); err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	if _, err := NewSchedulerCollector(reg); err != nil {
		t.Fatalf("second NewSchedulerCollector: %v", err)
	}
}

func TestSchedulerCollectorRecordsTicks(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}

	collector.ObserveTick(2*time.Millisecond, -time.Millisecond)
	collector.SetTickingRegions(5)
	collector.AddSkippedTicks(3)
	collector.AddSkippedTicks(0)
	collector.ObserveTaskRun(time.Millisecond, "ok")
	collector.ObserveTaskRun(time.Millisecond, "panic")
	collector.SetTasksPending(12)

	if count := histogramSampleCount(t, reg, "tickloop_tick_duration_seconds", nil); count != 1 {
		t.Fatalf("tick duration sample_count = %d, want 1", count)
	}
	if count := histogramSampleCount(t, reg, "tickloop_tick_lateness_seconds", nil); count != 1 {
		t.Fatalf("tick lateness sample_count = %d, want 1", count)
	}
	if got := testutil.ToFloat64(collector.TickingRegions); got != 5 {
		t.Fatalf("tickloop_ticking_regions = %v, want 5", got)
	}
	if got := testutil.ToFloat64(collector.SkippedTicks); got != 3 {
		t.Fatalf("tickloop_skipped_ticks_total = %v, want 3", got)
	}
	if count := histogramSampleCount(t, reg, "tasks_run_duration_seconds", map[string]string{"outcome": "panic"}); count != 1 {
		t.Fatalf("tasks_run_duration_seconds{panic} sample_count = %d, want 1", count)
	}
	if got := testutil.ToFloat64(collector.TasksPending); got != 12 {
		t.Fatalf("tasks_pending = %v, want 12", got)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var rc *RegionCollector
	rc.ObserveTransaction("activate", time.Millisecond)
	rc.SetRegionCounts(1, 1)
	rc.SetTicketsHeld(1)
	rc.IncTicketUpdate("activate")
	rc.SetProfiledRegions(1)
	rc.IncProfilerSessions("started")
	if rc.Gatherer() != nil {
		t.Fatalf("nil collector Gatherer should be nil")
	}

	var sc *SchedulerCollector
	sc.ObserveTick(time.Millisecond, 0)
	sc.SetTickingRegions(1)
	sc.AddSkippedTicks(1)
	sc.ObserveTaskRun(time.Millisecond, "ok")
	sc.SetTasksPending(1)
}

func TestMetricsHandlerExposesRegionGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRegionCollector(reg)
	if err != nil {
		t.Fatalf("NewRegionCollector: %v", err)
	}
	sched, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	collector.SetRegionCounts(3, 4)
	collector.SetTicketsHeld(5)
	collector.ObserveTransaction("activate", time.Millisecond)
	sched.SetTasksPending(6)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, line := range []string{
		"regionizer_regions 3",
		"regionizer_active_cells 4",
		"tickets_held 5",
		"tasks_pending 6",
		"regionizer_transaction_duration_seconds_count{kind=\"activate\"} 1",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected %q in /metrics output:\n%s", line, body)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
