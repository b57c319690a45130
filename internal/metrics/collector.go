// Package metrics exposes Service Core runtime health as Prometheus
// metrics: queue depth and backpressure, session/protocol population,
// and per-destination blocking events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "p2pd"
	subsystem = "service"
)

// Label names.
const (
	labelProtocol = "protocol"
	labelReason   = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Service Core Metrics
// -------------------------------------------------------------------------

// Collector holds all Service Core Prometheus metrics.
//
//   - QuickQueueDepth/NormalQueueDepth track the two task queues feeding
//     Poll, the same counts that trigger the notify-threshold warning.
//   - Sessions tracks currently open sessions.
//   - OpenProtocols tracks currently open protocol substreams, per
//     protocol, across all sessions.
//   - BlockedDestinations counts how often a session or protocol handler
//     was skipped for being full during a dispatch round — the signal
//     operators alert on for sustained backpressure.
//   - DroppedEvents counts events discarded rather than requeued (e.g.
//     destined for a session that no longer exists).
type Collector struct {
	QuickQueueDepth     prometheus.Gauge
	NormalQueueDepth    prometheus.Gauge
	Sessions            prometheus.Gauge
	OpenProtocols       *prometheus.GaugeVec
	BlockedDestinations *prometheus.CounterVec
	DroppedEvents       *prometheus.CounterVec
	FutureTasksInFlight prometheus.Gauge
}

// NewCollector creates a Collector with all Service Core metrics
// registered against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.QuickQueueDepth,
		c.NormalQueueDepth,
		c.Sessions,
		c.OpenProtocols,
		c.BlockedDestinations,
		c.DroppedEvents,
		c.FutureTasksInFlight,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		QuickQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "quick_task_queue_depth",
			Help:      "Number of tasks currently queued on the quick-priority task channel.",
		}),

		NormalQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "normal_task_queue_depth",
			Help:      "Number of tasks currently queued on the normal-priority task channel.",
		}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently open sessions.",
		}),

		OpenProtocols: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "open_protocol_streams",
			Help:      "Number of currently open protocol substreams, by protocol.",
		}, []string{labelProtocol}),

		BlockedDestinations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocked_destinations_total",
			Help:      "Total dispatch rounds in which a session or protocol handler was skipped for being full.",
		}, []string{labelReason}),

		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_events_total",
			Help:      "Total events discarded because their destination no longer exists.",
		}, []string{labelReason}),

		FutureTasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "future_tasks_in_flight",
			Help:      "Number of background tasks currently spawned by the FutureTaskManager.",
		}),
	}
}

// -------------------------------------------------------------------------
// Queue Pressure
// -------------------------------------------------------------------------

// SetQueueDepths sets the task queue gauges to the given counts.
func (c *Collector) SetQueueDepths(quick, normal int) {
	c.QuickQueueDepth.Set(float64(quick))
	c.NormalQueueDepth.Set(float64(normal))
}

// -------------------------------------------------------------------------
// Session / Protocol Population
// -------------------------------------------------------------------------

// SetSessions sets the open-session gauge.
func (c *Collector) SetSessions(n int) {
	c.Sessions.Set(float64(n))
}

// IncOpenProtocol increments the open-substream gauge for protocol.
func (c *Collector) IncOpenProtocol(protocol string) {
	c.OpenProtocols.WithLabelValues(protocol).Inc()
}

// DecOpenProtocol decrements the open-substream gauge for protocol.
func (c *Collector) DecOpenProtocol(protocol string) {
	c.OpenProtocols.WithLabelValues(protocol).Dec()
}

// -------------------------------------------------------------------------
// Backpressure
// -------------------------------------------------------------------------

// IncBlocked records one dispatch round in which reason ("session" or
// "protocol") caused a destination to be skipped for being full.
func (c *Collector) IncBlocked(reason string) {
	c.BlockedDestinations.WithLabelValues(reason).Inc()
}

// IncDropped records one event discarded because its destination no
// longer exists.
func (c *Collector) IncDropped(reason string) {
	c.DroppedEvents.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Future Tasks
// -------------------------------------------------------------------------

// SetFutureTasksInFlight sets the background-task gauge.
func (c *Collector) SetFutureTasksInFlight(n int) {
	c.FutureTasksInFlight.Set(float64(n))
}
