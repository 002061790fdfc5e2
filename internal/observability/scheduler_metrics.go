package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes tick loop and task metrics. It satisfies the
// MetricsRecorder interfaces of the tickloop and tasks packages.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	TickDuration   prometheus.Histogram
	TickLateness   prometheus.Histogram
	TickingRegions prometheus.Gauge
	SkippedTicks   prometheus.Counter
	TaskDurations  *prometheus.HistogramVec
	TasksPending   prometheus.Gauge
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tickloop_tick_duration_seconds",
		Help:    "Wall time spent inside a single region tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})
	tickHistogram, err := registerHistogram(reg, tickHistogram, "tickloop_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	latenessHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tickloop_tick_lateness_seconds",
		Help:    "How far past its scheduled start a region tick began.",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
	})
	latenessHistogram, err = registerHistogram(reg, latenessHistogram, "tickloop_tick_lateness_seconds")
	if err != nil {
		return nil, err
	}

	ticking := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tickloop_ticking_regions",
		Help: "Number of regions with a running tick worker.",
	})
	ticking, err = registerGauge(reg, ticking, "tickloop_ticking_regions")
	if err != nil {
		return nil, err
	}

	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickloop_skipped_ticks_total",
		Help: "Ticks dropped because a region fell too far behind schedule.",
	})
	skipped, err = registerCounter(reg, skipped, "tickloop_skipped_ticks_total")
	if err != nil {
		return nil, err
	}

	taskDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tasks_run_duration_seconds",
		Help:    "Duration of scheduled task executions by outcome.",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"outcome"}), "tasks_run_duration_seconds")
	if err != nil {
		return nil, err
	}

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tasks_pending",
		Help: "Tasks waiting in region queues and mailboxes.",
	})
	pending, err = registerGauge(reg, pending, "tasks_pending")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:       gatherer,
		TickDuration:   tickHistogram,
		TickLateness:   latenessHistogram,
		TickingRegions: ticking,
		SkippedTicks:   skipped,
		TaskDurations:  taskDurations,
		TasksPending:   pending,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records how long a tick took and how late it started.
func (c *SchedulerCollector) ObserveTick(d, lateness time.Duration) {
	if c == nil {
		return
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
	if c.TickLateness != nil {
		if lateness < 0 {
			lateness = 0
		}
		c.TickLateness.Observe(lateness.Seconds())
	}
}

// SetTickingRegions updates the worker gauge.
func (c *SchedulerCollector) SetTickingRegions(n int) {
	if c == nil || c.TickingRegions == nil {
		return
	}
	c.TickingRegions.Set(float64(n))
}

// AddSkippedTicks increments the skipped tick counter.
func (c *SchedulerCollector) AddSkippedTicks(n int) {
	if c == nil || c.SkippedTicks == nil || n <= 0 {
		return
	}
	c.SkippedTicks.Add(float64(n))
}

// ObserveTaskRun records a task execution.
func (c *SchedulerCollector) ObserveTaskRun(d time.Duration, outcome string) {
	if c == nil || c.TaskDurations == nil {
		return
	}
	c.TaskDurations.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetTasksPending updates the pending task gauge.
func (c *SchedulerCollector) SetTasksPending(n int) {
	if c == nil || c.TasksPending == nil {
		return
	}
	c.TasksPending.Set(float64(n))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
