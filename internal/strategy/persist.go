package strategy

import (
	"encoding/json"
	"fmt"

	"strategy-engine/internal/indicators"
	"strategy-engine/pkg/db"
)

// runtimeState is the JSON shape of the mutable machine fields.
type runtimeState struct {
	Position           *Position            `json:"position,omitempty"`
	Pending            *PendingOrder        `json:"pending,omitempty"`
	LastSignal         indicators.Direction `json:"last_signal"`
	LastCandleOpenTime int64                `json:"last_candle_open_time"`
	LastPrice          float64              `json:"last_price"`
	Queued             []Mutation           `json:"queued,omitempty"`
}

// ToRecord serializes the strategy for the registry table.
func (s *Strategy) ToRecord() (db.StrategyRecord, error) {
	rt, err := json.Marshal(runtimeState{
		Position:           s.Position,
		Pending:            s.Pending,
		LastSignal:         s.LastSignal,
		LastCandleOpenTime: s.LastCandleOpenTime,
		LastPrice:          s.LastPrice,
		Queued:             s.Queued,
	})
	if err != nil {
		return db.StrategyRecord{}, fmt.Errorf("encode runtime for %s: %w", s.ID, err)
	}
	return db.StrategyRecord{
		ID:                s.ID,
		Asset:             s.Params.Asset,
		Timeframe:         s.Params.Timeframe,
		Direction:         string(s.Params.Direction),
		IndicatorLength:   s.Params.Length,
		TradeSizeQuote:    s.Params.TradeSizeQuote,
		Leverage:          s.Params.Leverage,
		StopLossEnabled:   s.Params.StopLossEnabled,
		StopLossMode:      string(s.Params.StopLossMode),
		StopLossOffsetPct: s.Params.StopLossOffsetPct,
		State:             string(s.State),
		ErrorReason:       s.ErrorReason,
		Runtime:           string(rt),
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}, nil
}

// FromRecord rebuilds a strategy from its row. The indicator starts cold
// and must be warmed before the next candle.
func FromRecord(r db.StrategyRecord) (*Strategy, error) {
	p := Params{
		Asset:             r.Asset,
		Timeframe:         r.Timeframe,
		Direction:         Direction(r.Direction),
		Length:            r.IndicatorLength,
		TradeSizeQuote:    r.TradeSizeQuote,
		Leverage:          r.Leverage,
		StopLossEnabled:   r.StopLossEnabled,
		StopLossMode:      StopLossMode(r.StopLossMode),
		StopLossOffsetPct: r.StopLossOffsetPct,
	}
	s, err := New(r.ID, p)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", r.ID, err)
	}

	var rt runtimeState
	if r.Runtime != "" {
		if err := json.Unmarshal([]byte(r.Runtime), &rt); err != nil {
			return nil, fmt.Errorf("decode runtime for %s: %w", r.ID, err)
		}
	}
	s.State = State(r.State)
	switch s.State {
	case StateIdle, StateEntryPending, StateInPosition, StateExitPending, StateErrored:
	default:
		return nil, fmt.Errorf("restore %s: unknown state %q", r.ID, r.State)
	}
	s.ErrorReason = r.ErrorReason
	s.Position = rt.Position
	s.Pending = rt.Pending
	s.LastSignal = rt.LastSignal
	// History, when it loads, overrides this.
	s.hull.Seed(rt.LastSignal)
	s.LastCandleOpenTime = rt.LastCandleOpenTime
	s.LastPrice = rt.LastPrice
	s.Queued = rt.Queued
	s.CreatedAt = r.CreatedAt
	s.UpdatedAt = r.UpdatedAt
	return s, nil
}
