package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tentanet/p2pd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.QuickQueueDepth == nil {
		t.Error("QuickQueueDepth is nil")
	}
	if c.NormalQueueDepth == nil {
		t.Error("NormalQueueDepth is nil")
	}
	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.OpenProtocols == nil {
		t.Error("OpenProtocols is nil")
	}
	if c.BlockedDestinations == nil {
		t.Error("BlockedDestinations is nil")
	}
	if c.DroppedEvents == nil {
		t.Error("DroppedEvents is nil")
	}
	if c.FutureTasksInFlight == nil {
		t.Error("FutureTasksInFlight is nil")
	}

	// Verify all metrics are registered by gathering them; registration
	// must not panic even with no data yet.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSetQueueDepths(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetQueueDepths(3, 7)

	if got := gaugeValue(t, c.QuickQueueDepth); got != 3 {
		t.Errorf("QuickQueueDepth = %v, want 3", got)
	}
	if got := gaugeValue(t, c.NormalQueueDepth); got != 7 {
		t.Errorf("NormalQueueDepth = %v, want 7", got)
	}
}

func TestSetSessions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetSessions(5)

	if got := gaugeValue(t, c.Sessions); got != 5 {
		t.Errorf("Sessions = %v, want 5", got)
	}
}

func TestIncDecOpenProtocol(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncOpenProtocol("ping")
	c.IncOpenProtocol("ping")
	c.DecOpenProtocol("ping")

	if got := gaugeVecValue(t, c.OpenProtocols, "ping"); got != 1 {
		t.Errorf("OpenProtocols[ping] = %v, want 1", got)
	}
}

func TestIncBlockedAndDropped(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncBlocked("session")
	c.IncBlocked("session")
	c.IncBlocked("protocol")
	c.IncDropped("unknown-session")

	if got := counterVecValue(t, c.BlockedDestinations, "session"); got != 2 {
		t.Errorf("BlockedDestinations[session] = %v, want 2", got)
	}
	if got := counterVecValue(t, c.BlockedDestinations, "protocol"); got != 1 {
		t.Errorf("BlockedDestinations[protocol] = %v, want 1", got)
	}
	if got := counterVecValue(t, c.DroppedEvents, "unknown-session"); got != 1 {
		t.Errorf("DroppedEvents[unknown-session] = %v, want 1", got)
	}
}

func TestSetFutureTasksInFlight(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetFutureTasksInFlight(4)

	if got := gaugeValue(t, c.FutureTasksInFlight); got != 4 {
		t.Errorf("FutureTasksInFlight = %v, want 4", got)
	}
}

// gaugeValue reads the current value of a plain Gauge.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// gaugeVecValue reads the current value of a GaugeVec with the given labels.
func gaugeVecValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterVecValue reads the current value of a CounterVec with the given labels.
func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
