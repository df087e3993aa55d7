package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"strategy-engine/internal/events"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	mon := &Monitor{Metrics: NewMetrics(reg)}

	mon.Observe(events.Envelope{Event: events.EventOrderSubmitted, Payload: events.OrderPayload{Kind: "entry"}})
	mon.Observe(events.Envelope{Event: events.EventOrderSubmitted, Payload: events.OrderPayload{Kind: "entry"}})
	mon.Observe(events.Envelope{Event: events.EventOrderAdopted, Payload: events.OrderPayload{Kind: "entry"}})
	mon.Observe(events.Envelope{Event: events.EventOrderFilled, Payload: events.OrderPayload{Kind: "entry", Latency: 20 * time.Millisecond}})
	mon.Observe(events.Envelope{Event: events.EventReconciled, Payload: events.ReconcilePayload{Kind: "stop_filled"}})
	mon.Observe(events.Envelope{Event: events.EventStrategyState, Payload: events.StatePayload{To: "Errored"}})

	if v := counterValue(t, mon.Metrics.OrdersSubmitted.WithLabelValues("entry")); v != 2 {
		t.Fatalf("submitted=%v, expected 2", v)
	}
	if v := counterValue(t, mon.Metrics.OrdersAdopted); v != 1 {
		t.Fatalf("adopted=%v, expected 1", v)
	}
	if v := counterValue(t, mon.Metrics.Discrepancies.WithLabelValues("stop_filled")); v != 1 {
		t.Fatalf("discrepancies=%v, expected 1", v)
	}
	if v := counterValue(t, mon.Metrics.StateChanges.WithLabelValues("Errored")); v != 1 {
		t.Fatalf("state changes=%v, expected 1", v)
	}

	mon.Metrics.SetStrategyCounts(map[string]int{"Idle": 3})
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("no metric families registered")
	}
}
