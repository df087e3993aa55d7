package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	OrdersSubmitted  *prometheus.CounterVec
	OrdersRejected   *prometheus.CounterVec
	OrderRetries     *prometheus.CounterVec
	OrdersAdopted    prometheus.Counter
	OrderLatency     *prometheus.HistogramVec
	CandlesProcessed *prometheus.CounterVec
	Signals          *prometheus.CounterVec
	StateChanges     *prometheus.CounterVec
	Discrepancies    *prometheus.CounterVec
	StrategiesGauge  *prometheus.GaugeVec
	APIRequests      *prometheus.CounterVec
	APILatency       prometheus.Histogram
	ClockOffset      prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders sent to the exchange by kind (entry, stop_loss, close).",
		}, []string{"kind"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders that ended in a rejection, by kind.",
		}, []string{"kind"}),
		OrderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_order_retries_total",
			Help: "Retries after transient or ambiguous failures, by kind.",
		}, []string{"kind"}),
		OrdersAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_adopted_total",
			Help: "Orders found on the exchange by idempotency token after an ambiguous failure.",
		}),
		OrderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_order_latency_seconds",
			Help:    "Round trip time of order placement including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		CandlesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_candles_processed_total",
			Help: "Closed candles dispatched to strategies.",
		}, []string{"asset", "timeframe"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_total",
			Help: "Hull slope flips by direction.",
		}, []string{"direction"}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_state_transitions_total",
			Help: "Strategy state transitions by target state.",
		}, []string{"to"}),
		Discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_discrepancies_total",
			Help: "Discrepancies resolved by reconciliation, by kind.",
		}, []string{"kind"}),
		StrategiesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_strategies",
			Help: "Registered strategies by state.",
		}, []string{"state"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_api_requests_total",
			Help: "Admin API requests by method and status code.",
		}, []string{"method", "code"}),
		APILatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_api_latency_seconds",
			Help:    "Admin API request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ClockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_exchange_clock_offset_seconds",
			Help: "Exchange clock minus local clock at the last sync.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OrdersSubmitted, m.OrdersRejected, m.OrderRetries, m.OrdersAdopted, m.OrderLatency,
			m.CandlesProcessed, m.Signals, m.StateChanges, m.Discrepancies, m.StrategiesGauge,
			m.APIRequests, m.APILatency, m.ClockOffset,
		)
	}
	return m
}

// ObserveClock records the exchange clock offset after a sync.
func (m *Metrics) ObserveClock(offset, _ time.Duration) {
	m.ClockOffset.Set(offset.Seconds())
}

// SetStrategyCounts replaces the per-state gauge values.
func (m *Metrics) SetStrategyCounts(counts map[string]int) {
	m.StrategiesGauge.Reset()
	for state, n := range counts {
		m.StrategiesGauge.WithLabelValues(state).Set(float64(n))
	}
}
