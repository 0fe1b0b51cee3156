package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the fleet service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ProbeDuration      *prometheus.HistogramVec
	ProbeFailuresTotal *prometheus.CounterVec
	ProbeCycleDuration prometheus.Histogram
	ProbeCyclesTotal   prometheus.Counter
	AbandonedProbes    prometheus.Counter

	NodesHealthy   prometheus.Gauge
	NodesUnhealthy prometheus.Gauge

	ReservationsTotal *prometheus.CounterVec
	ReleasesTotal     prometheus.Counter
	CommittedMemory   *prometheus.GaugeVec
	CommittedDisk     *prometheus.GaugeVec
}

// New creates and registers all collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ProbeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Duration of node agent utilization requests",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"result"}),
		ProbeFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "probe",
			Name:      "failures_total",
			Help:      "Total number of failed node probes",
		}, []string{"node_id"}),
		ProbeCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "probe",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full probe cycle",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ProbeCyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "probe",
			Name:      "cycles_total",
			Help:      "Total number of completed probe cycles",
		}),
		AbandonedProbes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "probe",
			Name:      "abandoned_total",
			Help:      "Probes abandoned because the cycle budget ran out",
		}),

		NodesHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "nodes_healthy",
			Help:      "Number of nodes with a fresh successful probe",
		}),
		NodesUnhealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "nodes_unhealthy",
			Help:      "Number of nodes without a fresh successful probe",
		}),

		ReservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "ledger",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome",
		}, []string{"outcome"}),
		ReleasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "ledger",
			Name:      "releases_total",
			Help:      "Total number of released allocations",
		}),
		CommittedMemory: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "ledger",
			Name:      "committed_memory_mib",
			Help:      "Committed memory per node",
		}, []string{"node_id"}),
		CommittedDisk: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "ledger",
			Name:      "committed_disk_mib",
			Help:      "Committed disk per node",
		}, []string{"node_id"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveProbe(nodeID string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		m.ProbeFailuresTotal.WithLabelValues(nodeID).Inc()
	}
	m.ProbeDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveCycle(elapsed time.Duration, abandoned int) {
	if m == nil {
		return
	}
	m.ProbeCyclesTotal.Inc()
	m.ProbeCycleDuration.Observe(elapsed.Seconds())
	if abandoned > 0 {
		m.AbandonedProbes.Add(float64(abandoned))
	}
}

func (m *Metrics) SetNodeHealth(healthy, unhealthy int) {
	if m == nil {
		return
	}
	m.NodesHealthy.Set(float64(healthy))
	m.NodesUnhealthy.Set(float64(unhealthy))
}

func (m *Metrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRelease() {
	if m == nil {
		return
	}
	m.ReleasesTotal.Inc()
}

func (m *Metrics) SetCommitted(nodeID string, memory, disk int64) {
	if m == nil {
		return
	}
	m.CommittedMemory.WithLabelValues(nodeID).Set(float64(memory))
	m.CommittedDisk.WithLabelValues(nodeID).Set(float64(disk))
}

func (m *Metrics) ForgetNode(nodeID string) {
	if m == nil {
		return
	}
	m.CommittedMemory.DeleteLabelValues(nodeID)
	m.CommittedDisk.DeleteLabelValues(nodeID)
	m.ProbeFailuresTotal.DeleteLabelValues(nodeID)
}
