package monitor

import (
	"context"

	"go.uber.org/zap"

	"strategy-engine/internal/events"
)

// Monitor turns bus events into metric updates.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Log     *zap.Logger
}

// Start consumes the bus until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		if m.Log != nil {
			m.Log.Warn("monitor not fully configured; skipping")
		}
		return
	}
	stream, unsub := m.Bus.SubscribeAll(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.Observe(env)
			}
		}
	}()
}

// Observe applies a single event to the metrics.
func (m *Monitor) Observe(env events.Envelope) {
	switch p := env.Payload.(type) {
	case events.CandlePayload:
		m.Metrics.CandlesProcessed.WithLabelValues(p.Asset, p.Timeframe).Inc()
	case events.SignalPayload:
		m.Metrics.Signals.WithLabelValues(p.Direction).Inc()
	case events.StatePayload:
		m.Metrics.StateChanges.WithLabelValues(p.To).Inc()
	case events.ReconcilePayload:
		m.Metrics.Discrepancies.WithLabelValues(p.Kind).Inc()
	case events.OrderPayload:
		switch env.Event {
		case events.EventOrderSubmitted:
			m.Metrics.OrdersSubmitted.WithLabelValues(p.Kind).Inc()
		case events.EventOrderRejected:
			m.Metrics.OrdersRejected.WithLabelValues(p.Kind).Inc()
		case events.EventOrderRetried:
			m.Metrics.OrderRetries.WithLabelValues(p.Kind).Inc()
		case events.EventOrderAdopted:
			m.Metrics.OrdersAdopted.Inc()
		case events.EventOrderFilled:
			if p.Latency > 0 {
				m.Metrics.OrderLatency.WithLabelValues(p.Kind).Observe(p.Latency.Seconds())
			}
		}
	}
}
