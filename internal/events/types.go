package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventCandleClosed   Event = "candle.closed"
	EventStrategySignal Event = "strategy.signal"
	EventStrategyState  Event = "strategy.state"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventOrderRetried   Event = "order.retried"
	EventOrderAdopted   Event = "order.adopted"
	EventReconciled     Event = "reconcile.discrepancy"
)

// All lists every topic, in the order the websocket stream subscribes.
var All = []Event{
	EventCandleClosed,
	EventStrategySignal,
	EventStrategyState,
	EventOrderSubmitted,
	EventOrderFilled,
	EventOrderRejected,
	EventOrderRetried,
	EventOrderAdopted,
	EventReconciled,
}

// CandlePayload accompanies EventCandleClosed.
type CandlePayload struct {
	Asset     string  `json:"asset"`
	Timeframe string  `json:"timeframe"`
	OpenTime  int64   `json:"open_time"`
	Close     float64 `json:"close"`
	Fanout    int     `json:"fanout"`
}

// SignalPayload accompanies EventStrategySignal.
type SignalPayload struct {
	StrategyID string  `json:"strategy_id"`
	Asset      string  `json:"asset"`
	Direction  string  `json:"direction"`
	Value      float64 `json:"value"`
	OpenTime   int64   `json:"open_time"`
}

// StatePayload accompanies EventStrategyState.
type StatePayload struct {
	StrategyID string `json:"strategy_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
}

// OrderPayload accompanies the order topics.
type OrderPayload struct {
	StrategyID string        `json:"strategy_id"`
	Token      string        `json:"token"`
	Asset      string        `json:"asset"`
	Kind       string        `json:"kind"`
	Side       string        `json:"side"`
	Qty        float64       `json:"qty"`
	Price      float64       `json:"price,omitempty"`
	Status     string        `json:"status,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ReconcilePayload accompanies EventReconciled.
type ReconcilePayload struct {
	StrategyID string `json:"strategy_id,omitempty"`
	Asset      string `json:"asset"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}
