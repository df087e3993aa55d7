package db

import "time"

// StrategyRecord is a persisted strategy row. Runtime holds the JSON
// encoded state machine fields (position, pending orders, queued mutations).
type StrategyRecord struct {
	ID                string
	Asset             string
	Timeframe         string
	Direction         string
	IndicatorLength   int
	TradeSizeQuote    float64
	Leverage          int
	StopLossEnabled   bool
	StopLossMode      string
	StopLossOffsetPct float64
	State             string
	ErrorReason       string
	Runtime           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Intent status values.
const (
	IntentPending   = "PENDING"
	IntentSubmitted = "SUBMITTED"
	IntentFilled    = "FILLED"
	IntentCanceled  = "CANCELED"
	IntentRejected  = "REJECTED"
	IntentUnknown   = "UNKNOWN"
)

// OrderIntent records an idempotency token before the order leaves the process.
type OrderIntent struct {
	Token           string
	StrategyID      string
	Asset           string
	Kind            string
	Side            string
	OrderType       string
	Qty             float64
	Price           float64
	StopPrice       float64
	ReduceOnly      bool
	Status          string
	ExchangeOrderID string
	FilledQty       float64
	AvgPrice        float64
	Attempts        int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trade is a closed round trip in the journal.
type Trade struct {
	ID         string
	StrategyID string
	Asset      string
	Side       string
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	Reason     string
	EntryToken string
	ExitToken  string
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// ReconciliationReport is one resolved discrepancy. Key is unique so a
// discrepancy is recorded, and announced, once.
type ReconciliationReport struct {
	ID         int64
	Key        string
	StrategyID string
	Asset      string
	Kind       string
	Detail     string
	CreatedAt  time.Time
}

// StrategyEvent is an audit row for a state transition.
type StrategyEvent struct {
	ID         int64
	StrategyID string
	FromState  string
	ToState    string
	Reason     string
	CreatedAt  time.Time
}
