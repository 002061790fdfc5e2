package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegionCollector exposes regionizer, ticket and profiler metrics. It
// satisfies the MetricsRecorder interfaces of the regionizer, tickets and
// profiler packages.
type RegionCollector struct {
	gatherer prometheus.Gatherer

	TransactionDurations *prometheus.HistogramVec
	Regions              prometheus.Gauge
	ActiveCells          prometheus.Gauge
	TicketsHeld          prometheus.Gauge
	TicketUpdates        *prometheus.CounterVec
	ProfiledRegions      prometheus.Gauge
	ProfilerSessions     *prometheus.CounterVec
}

// NewRegionCollector registers region metrics against the provided
// registerer. A nil registerer uses the Prometheus default.
func NewRegionCollector(reg prometheus.Registerer) (*RegionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	transactions, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "regionizer_transaction_duration_seconds",
		Help:    "Duration of regionizer transactions by kind.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"kind"}), "regionizer_transaction_duration_seconds")
	if err != nil {
		return nil, err
	}
	regions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "regionizer_regions",
		Help: "Current number of live regions.",
	}), "regionizer_regions")
	if err != nil {
		return nil, err
	}
	cells, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "regionizer_active_cells",
		Help: "Current number of active cells across all regions.",
	}), "regionizer_active_cells")
	if err != nil {
		return nil, err
	}
	held, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tickets_held",
		Help: "Current number of held tickets.",
	}), "tickets_held")
	if err != nil {
		return nil, err
	}
	updates, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tickets_updates_total",
		Help: "Ticket-driven cell activations and deactivations.",
	}, []string{"action"}), "tickets_updates_total")
	if err != nil {
		return nil, err
	}
	profiled, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profiler_regions",
		Help: "Current number of regions carrying a live profiler handle.",
	}), "profiler_regions")
	if err != nil {
		return nil, err
	}
	sessions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profiler_sessions_total",
		Help: "Profiler sessions by outcome.",
	}, []string{"outcome"}), "profiler_sessions_total")
	if err != nil {
		return nil, err
	}

	return &RegionCollector{
		gatherer:             gatherer,
		TransactionDurations: transactions,
		Regions:              regions,
		ActiveCells:          cells,
		TicketsHeld:          held,
		TicketUpdates:        updates,
		ProfiledRegions:      profiled,
		ProfilerSessions:     sessions,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RegionCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RegionCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTransaction records the duration of a regionizer transaction.
func (c *RegionCollector) ObserveTransaction(kind string, d time.Duration) {
	if c == nil || c.TransactionDurations == nil {
		return
	}
	c.TransactionDurations.WithLabelValues(kind).Observe(d.Seconds())
}

// SetRegionCounts updates the region and active cell gauges.
func (c *RegionCollector) SetRegionCounts(regions, cells int) {
	if c == nil {
		return
	}
	if c.Regions != nil {
		c.Regions.Set(float64(regions))
	}
	if c.ActiveCells != nil {
		c.ActiveCells.Set(float64(cells))
	}
}

func (c *RegionCollector) SetTicketsHeld(n int) {
	if c == nil || c.TicketsHeld == nil {
		return
	}
	c.TicketsHeld.Set(float64(n))
}

func (c *RegionCollector) IncTicketUpdate(action string) {
	if c == nil || c.TicketUpdates == nil {
		return
	}
	c.TicketUpdates.WithLabelValues(action).Inc()
}

func (c *RegionCollector) SetProfiledRegions(n int) {
	if c == nil || c.ProfiledRegions == nil {
		return
	}
	c.ProfiledRegions.Set(float64(n))
}

func (c *RegionCollector) IncProfilerSessions(outcome string) {
	if c == nil || c.ProfilerSessions == nil {
		return
	}
	c.ProfilerSessions.WithLabelValues(outcome).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
