// Package metrics exposes the responder's Prometheus instrumentation:
// live-connection gauges, hand-off queue depth, and per-outcome record
// counters, in the constructor-injected style this codebase uses for
// its monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var requestDurationBuckets = []float64{0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.000, 2.500}

// Monitor holds every metric the responder reports, all registered
// against one private registry so /metrics never picks up the Go
// runtime's default collectors unintentionally.
type Monitor struct {
	Registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	QueueDepth        prometheus.Gauge
	RequestsEnqueued  prometheus.Counter
	RequestsDequeued  prometheus.Counter
	RecordsRejected   *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// NewMonitor builds and registers the responder's metrics.
func NewMonitor(logger *logrus.Logger) *Monitor {
	reg := prometheus.NewRegistry()
	m := &Monitor{
		Registry: reg,

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fcgi_connections_active",
			Help: "Number of FastCGI connections currently open.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcgi_connections_total",
			Help: "Total FastCGI connections accepted since start.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fcgi_queue_depth",
			Help: "Number of published requests waiting in the hand-off queue.",
		}),
		RequestsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcgi_requests_enqueued_total",
			Help: "Total requests published to the hand-off queue.",
		}),
		RequestsDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcgi_requests_dequeued_total",
			Help: "Total requests popped from the hand-off queue.",
		}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fcgi_records_rejected_total",
			Help: "Records that closed a connection, labeled by the fatal outcome.",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fcgi_request_duration_seconds",
			Help:    "Duration of the handler call for each dequeued request.",
			Buckets: requestDurationBuckets,
		}, []string{"role"}),
	}

	reg.MustRegister(m.ConnectionsActive)
	reg.MustRegister(m.ConnectionsTotal)
	reg.MustRegister(m.QueueDepth)
	reg.MustRegister(m.RequestsEnqueued)
	reg.MustRegister(m.RequestsDequeued)
	reg.MustRegister(m.RecordsRejected)
	reg.MustRegister(m.RequestDuration)

	logger.Debugf("metrics monitor initialized")

	return m
}

// ObserveStats copies a fcgi.Stats-shaped snapshot into the gauges.
// Accepts plain values rather than importing the fcgi package, so
// metrics stays free of a dependency edge back onto the protocol
// engine it is instrumenting.
func (m *Monitor) ObserveStats(connectionNum int64, enqueueNum, dequeueNum uint64) {
	m.ConnectionsActive.Set(float64(connectionNum))
	m.QueueDepth.Set(float64(int64(enqueueNum) - int64(dequeueNum)))
}

// RecordRejected increments the rejected-record counter for the given
// outcome name (e.g. "protocol", "multiplex", "version").
func (m *Monitor) RecordRejected(outcome string) {
	m.RecordsRejected.WithLabelValues(outcome).Inc()
}
