package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"strategy-engine/internal/indicators"
	"strategy-engine/pkg/exchanges/common"
)

// Defaults carried over from the first generation of the bot.
const (
	DefaultLength         = 96
	DefaultTradeSizeQuote = 20.0
	DefaultLeverage       = 1
	DefaultStopOffsetPct  = 2.0
	MaxLength             = 1000
	MaxLeverage           = 125
)

// ErrInvalidParams wraps every parameter validation failure.
var ErrInvalidParams = errors.New("invalid strategy parameters")

// State is the lifecycle state of a strategy.
type State string

const (
	StateIdle         State = "Idle"
	StateEntryPending State = "EntryPending"
	StateInPosition   State = "InPosition"
	StateExitPending  State = "ExitPending"
	StateErrored      State = "Errored"
)

// Pending reports whether an order is in flight.
func (s State) Pending() bool {
	return s == StateEntryPending || s == StateExitPending
}

// Direction restricts which side a strategy trades.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionBoth  Direction = "both"
)

// StopLossMode selects how the stop level is derived and enforced.
type StopLossMode string

const (
	// StopPercent places a resting stop at a fixed offset from entry.
	StopPercent StopLossMode = "percent"
	// StopSwing places a resting stop at the recent swing low/high.
	StopSwing StopLossMode = "swing"
	// StopCandleClose keeps no resting order; a candle closing through the
	// swing level exits the position.
	StopCandleClose StopLossMode = "candle_close"
)

// Timeframes accepted for strategies.
var Timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// Params is the operator-provided configuration of a strategy.
type Params struct {
	Asset             string       `json:"asset" yaml:"asset"`
	Timeframe         string       `json:"timeframe" yaml:"timeframe"`
	Direction         Direction    `json:"direction" yaml:"direction"`
	Length            int          `json:"indicator_length" yaml:"length"`
	TradeSizeQuote    float64      `json:"trade_size_quote" yaml:"trade_size"`
	Leverage          int          `json:"leverage" yaml:"leverage"`
	StopLossEnabled   bool         `json:"stop_loss_enabled" yaml:"stop_loss_enabled"`
	StopLossMode      StopLossMode `json:"stop_loss_mode" yaml:"stop_loss_mode"`
	StopLossOffsetPct float64      `json:"stop_loss_offset_pct" yaml:"stop_loss_offset_pct"`
}

// Normalize fills defaults and validates. Errors wrap ErrInvalidParams.
func (p *Params) Normalize() error {
	p.Asset = strings.ToUpper(strings.TrimSpace(p.Asset))
	if p.Direction == "" {
		p.Direction = DirectionLong
	}
	if p.Length == 0 {
		p.Length = DefaultLength
	}
	if p.TradeSizeQuote == 0 {
		p.TradeSizeQuote = DefaultTradeSizeQuote
	}
	if p.Leverage == 0 {
		p.Leverage = DefaultLeverage
	}
	if p.StopLossMode == "" {
		p.StopLossMode = StopPercent
	}
	if p.StopLossOffsetPct == 0 && p.StopLossMode == StopPercent {
		p.StopLossOffsetPct = DefaultStopOffsetPct
	}

	switch {
	case p.Asset == "":
		return fmt.Errorf("%w: asset is required", ErrInvalidParams)
	case Timeframes[p.Timeframe] == 0:
		return fmt.Errorf("%w: unsupported timeframe %q", ErrInvalidParams, p.Timeframe)
	}
	if err := ValidateLength(p.Length); err != nil {
		return err
	}
	if err := ValidateTradeSize(p.TradeSizeQuote); err != nil {
		return err
	}
	if err := ValidateLeverage(p.Leverage); err != nil {
		return err
	}
	switch p.Direction {
	case DirectionLong, DirectionShort, DirectionBoth:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidParams, p.Direction)
	}
	switch p.StopLossMode {
	case StopPercent, StopSwing, StopCandleClose:
	default:
		return fmt.Errorf("%w: unknown stop-loss mode %q", ErrInvalidParams, p.StopLossMode)
	}
	if p.StopLossOffsetPct < 0 || p.StopLossOffsetPct >= 100 {
		return fmt.Errorf("%w: stop-loss offset %.2f%% out of range", ErrInvalidParams, p.StopLossOffsetPct)
	}
	return nil
}

// ValidateLength checks a Hull length.
func ValidateLength(n int) error {
	if n < indicators.MinLength || n > MaxLength {
		return fmt.Errorf("%w: length %d outside [%d, %d]", ErrInvalidParams, n, indicators.MinLength, MaxLength)
	}
	return nil
}

// ValidateTradeSize checks a quote-currency trade size.
func ValidateTradeSize(v float64) error {
	if !(v > 0) {
		return fmt.Errorf("%w: trade size must be positive", ErrInvalidParams)
	}
	return nil
}

// ValidateLeverage checks a leverage multiplier.
func ValidateLeverage(x int) error {
	if x < 1 || x > MaxLeverage {
		return fmt.Errorf("%w: leverage %d outside [1, %d]", ErrInvalidParams, x, MaxLeverage)
	}
	return nil
}

// OrderKind tags what an order does for its strategy.
type OrderKind string

const (
	KindEntry    OrderKind = "entry"
	KindStopLoss OrderKind = "stop_loss"
	KindClose    OrderKind = "close"
)

// Position is the strategy-owned view of an open position.
type Position struct {
	Side         common.PositionSide `json:"side"`
	Size         float64             `json:"size"`
	EntryPrice   float64             `json:"entry_price"`
	EntryToken   string              `json:"entry_token"`
	EntryOrderID string              `json:"entry_order_id"`
	OpenedAt     time.Time           `json:"opened_at"`
	StopPrice    float64             `json:"stop_price,omitempty"`
	StopToken    string              `json:"stop_token,omitempty"`
	StopOrderID  string              `json:"stop_order_id,omitempty"`
}

// HasRestingStop reports whether a stop order is on the book.
func (p *Position) HasRestingStop() bool {
	return p != nil && p.StopOrderID != ""
}

// PendingOrder is the single in-flight entry or close order.
type PendingOrder struct {
	Token     string              `json:"token"`
	Kind      OrderKind           `json:"kind"`
	Side      common.PositionSide `json:"side"`
	Qty       float64             `json:"qty"`
	RefPrice  float64             `json:"ref_price"`
	StopPrice float64             `json:"stop_price,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Submitted time.Time           `json:"submitted"`
}

// MutationKind names a queued parameter change.
type MutationKind string

const (
	MutateLength   MutationKind = "length"
	MutateSize     MutationKind = "size"
	MutateLeverage MutationKind = "leverage"
)

// Mutation is a parameter change waiting for the strategy to leave a pending state.
type Mutation struct {
	Kind  MutationKind `json:"kind"`
	Int   int          `json:"int,omitempty"`
	Float float64      `json:"float,omitempty"`
}

// Fill is an executed order as reported by the coordinator.
type Fill struct {
	Token   string
	OrderID string
	Qty     float64
	Price   float64
	At      time.Time
}

// ClosedTrade is a completed round trip for the journal.
type ClosedTrade struct {
	StrategyID string
	Asset      string
	Side       common.PositionSide
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

// RealizedPnL returns quote-currency profit for a round trip.
func RealizedPnL(side common.PositionSide, entry, exit, qty float64) float64 {
	if entry == 0 {
		return 0
	}
	pct := (exit - entry) / entry
	if side == common.PositionShort {
		pct = -pct
	}
	return pct * qty * entry
}

// Summary is the read-only view returned by list/get.
type Summary struct {
	ID                 string    `json:"id"`
	Params             Params    `json:"params"`
	State              State     `json:"state"`
	Trend              string    `json:"trend"`
	HullValue          float64   `json:"hull_value"`
	LastPrice          float64   `json:"last_price"`
	LastCandleOpenTime int64     `json:"last_candle_open_time"`
	Position           *Position `json:"position,omitempty"`
	PendingKind        OrderKind `json:"pending_kind,omitempty"`
	QueuedMutations    int       `json:"queued_mutations"`
	ErrorReason        string    `json:"error_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
