package strategy

import (
	"errors"
	"fmt"
	"time"

	"strategy-engine/internal/indicators"
	"strategy-engine/pkg/exchanges/common"
)

var (
	// ErrIllegalTransition is returned when an event does not apply to the current state.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrNotErrored is returned by Resume for a healthy strategy.
	ErrNotErrored = errors.New("strategy is not errored")
)

// ActionKind is what the engine must do after a candle.
type ActionKind int

const (
	ActNone ActionKind = iota
	ActOpen
	ActClose
)

func (k ActionKind) String() string {
	switch k {
	case ActOpen:
		return "open"
	case ActClose:
		return "close"
	default:
		return "none"
	}
}

// Action is a decision taken on a closed candle.
type Action struct {
	Kind      ActionKind
	Side      common.PositionSide // position side opened or closed
	Qty       float64
	RefPrice  float64
	StopPrice float64
	Reason    string
	Signal    indicators.Signal
}

// Strategy is one automated trading unit. It is owned by a single mailbox
// goroutine; none of its methods lock.
type Strategy struct {
	ID                 string
	Params             Params
	State              State
	Position           *Position
	Pending            *PendingOrder
	LastSignal         indicators.Direction
	LastCandleOpenTime int64
	LastPrice          float64
	Queued             []Mutation
	ErrorReason        string
	CreatedAt          time.Time
	UpdatedAt          time.Time

	hull      *indicators.Hull
	swing     *swingWindow
	needsWarm bool
	now       func() time.Time
}

// New builds an idle strategy. Params must already be normalized.
func New(id string, p Params) (*Strategy, error) {
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	h, err := indicators.NewHull(p.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	now := time.Now().UTC()
	return &Strategy{
		ID:        id,
		Params:    p,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
		hull:      h,
		swing:     newSwingWindow(SwingLookback(p.Timeframe)),
		needsWarm: true,
		now:       time.Now,
	}, nil
}

// Hull exposes the indicator for inspection.
func (s *Strategy) Hull() *indicators.Hull { return s.hull }

// NeedsWarm reports whether the indicator lost its history.
func (s *Strategy) NeedsWarm() bool { return s.needsWarm }

// Warm feeds historical candles into the indicator and swing window
// without deciding anything.
func (s *Strategy) Warm(candles []common.Candle) {
	opens := make([]int64, 0, len(candles))
	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.OpenTime <= s.hull.LastOpenTime() && s.hull.LastOpenTime() != 0 {
			continue
		}
		opens = append(opens, c.OpenTime)
		closes = append(closes, c.Close)
		s.swing.push(c.Low, c.High)
		s.LastPrice = c.Close
	}
	s.hull.Warm(opens, closes)
	if n := len(opens); n > 0 && opens[n-1] > s.LastCandleOpenTime {
		s.LastCandleOpenTime = opens[n-1]
	}
	s.needsWarm = false
}

// Decide ingests a closed candle and returns the action it calls for.
// It never changes the lifecycle state; Begin* does that once the engine
// commits to the action.
func (s *Strategy) Decide(c common.Candle) (Action, error) {
	sig, flipped, err := s.hull.Update(c.OpenTime, c.Close)
	if err != nil {
		return Action{}, err
	}
	s.swing.push(c.Low, c.High)
	s.LastCandleOpenTime = c.OpenTime
	s.LastPrice = c.Close
	if flipped {
		s.LastSignal = sig.Direction
	}

	switch s.State {
	case StateIdle:
		if !flipped {
			return Action{}, nil
		}
		return s.decideEntry(sig, c.Close)
	case StateInPosition:
		return s.decideExit(sig, flipped, c.Close), nil
	default:
		// Errored is frozen; pending states ignore signals.
		return Action{}, nil
	}
}

func (s *Strategy) decideEntry(sig indicators.Signal, close float64) (Action, error) {
	side, ok := entrySide(s.Params.Direction, sig.Direction)
	if !ok || close <= 0 {
		return Action{}, nil
	}
	act := Action{
		Kind:     ActOpen,
		Side:     side,
		Qty:      s.Params.TradeSizeQuote / close,
		RefPrice: close,
		Reason:   "signal " + sig.Direction.String(),
		Signal:   sig,
	}
	if s.Params.StopLossEnabled {
		stop, err := StopLevel(s.Params, side, close, s.swing)
		if err != nil {
			return Action{}, fmt.Errorf("entry skipped: %w", err)
		}
		act.StopPrice = stop
	}
	return act, nil
}

func (s *Strategy) decideExit(sig indicators.Signal, flipped bool, close float64) Action {
	pos := s.Position
	if pos == nil {
		return Action{}
	}
	if s.Params.StopLossEnabled && s.Params.StopLossMode == StopCandleClose &&
		candleCloseBreached(pos.Side, pos.StopPrice, close) {
		return Action{Kind: ActClose, Side: pos.Side, Qty: pos.Size, RefPrice: close, Reason: "stop_loss"}
	}
	if flipped && exitsOn(pos.Side, sig.Direction) {
		return Action{Kind: ActClose, Side: pos.Side, Qty: pos.Size, RefPrice: close, Reason: "signal " + sig.Direction.String(), Signal: sig}
	}
	return Action{}
}

// FollowUp evaluates the entry that a filled signal close leaves room for.
// With direction both, the signal that closed one side opens the other once
// the strategy is flat again.
func (s *Strategy) FollowUp(closed Action) (Action, error) {
	if s.State != StateIdle || s.Position != nil || closed.Signal.Direction == indicators.DirNone {
		return Action{}, nil
	}
	return s.decideEntry(closed.Signal, closed.RefPrice)
}

// entrySide maps a signal to the position it opens under direction.
func entrySide(d Direction, sig indicators.Direction) (common.PositionSide, bool) {
	switch {
	case sig == indicators.DirUp && (d == DirectionLong || d == DirectionBoth):
		return common.PositionLong, true
	case sig == indicators.DirDown && (d == DirectionShort || d == DirectionBoth):
		return common.PositionShort, true
	}
	return "", false
}

// exitsOn reports whether sig closes a position of side.
func exitsOn(side common.PositionSide, sig indicators.Direction) bool {
	if side == common.PositionLong {
		return sig == indicators.DirDown
	}
	return sig == indicators.DirUp
}

// BeginEntry moves Idle to EntryPending for the given token.
func (s *Strategy) BeginEntry(token string, act Action) error {
	if s.State != StateIdle || s.Position != nil || s.Pending != nil {
		return fmt.Errorf("%w: entry from %s", ErrIllegalTransition, s.State)
	}
	s.Pending = &PendingOrder{
		Token:     token,
		Kind:      KindEntry,
		Side:      act.Side,
		Qty:       act.Qty,
		RefPrice:  act.RefPrice,
		StopPrice: act.StopPrice,
		Reason:    act.Reason,
		Submitted: s.now().UTC(),
	}
	s.setState(StateEntryPending)
	return nil
}

// EntryFilled records the position and returns to InPosition.
func (s *Strategy) EntryFilled(f Fill) error {
	if s.State != StateEntryPending || s.Pending == nil {
		return fmt.Errorf("%w: entry fill in %s", ErrIllegalTransition, s.State)
	}
	p := s.Pending
	at := f.At
	if at.IsZero() {
		at = s.now().UTC()
	}
	s.Position = &Position{
		Side:         p.Side,
		Size:         f.Qty,
		EntryPrice:   f.Price,
		EntryToken:   p.Token,
		EntryOrderID: f.OrderID,
		OpenedAt:     at,
		StopPrice:    p.StopPrice,
	}
	if s.Params.StopLossEnabled && s.Params.StopLossMode == StopPercent && f.Price > 0 {
		// Percent stops follow the actual fill, not the candle close.
		if stop, err := StopLevel(s.Params, p.Side, f.Price, s.swing); err == nil {
			s.Position.StopPrice = stop
		}
	}
	s.Pending = nil
	s.setState(StateInPosition)
	s.drainQueue()
	return nil
}

// EntryFailed returns a rejected or cancelled entry to Idle.
func (s *Strategy) EntryFailed() error {
	if s.State != StateEntryPending {
		return fmt.Errorf("%w: entry failure in %s", ErrIllegalTransition, s.State)
	}
	s.Pending = nil
	s.setState(StateIdle)
	s.drainQueue()
	return nil
}

// NeedsRestingStop reports whether a stop-market order should guard the position.
func (s *Strategy) NeedsRestingStop() bool {
	return s.Position != nil && s.Params.StopLossEnabled &&
		s.Params.StopLossMode != StopCandleClose && s.Position.StopPrice > 0 &&
		!s.Position.HasRestingStop()
}

// StopPlaced records the resting stop order.
func (s *Strategy) StopPlaced(token, orderID string, price float64) {
	if s.Position == nil {
		return
	}
	s.Position.StopToken = token
	s.Position.StopOrderID = orderID
	if price > 0 {
		s.Position.StopPrice = price
	}
	s.touch()
}

// StopCancelled forgets the resting stop.
func (s *Strategy) StopCancelled() {
	if s.Position == nil {
		return
	}
	s.Position.StopToken = ""
	s.Position.StopOrderID = ""
	s.touch()
}

// BeginExit moves InPosition to ExitPending.
func (s *Strategy) BeginExit(token string, act Action) error {
	if s.State != StateInPosition || s.Position == nil {
		return fmt.Errorf("%w: exit from %s", ErrIllegalTransition, s.State)
	}
	s.Pending = &PendingOrder{
		Token:     token,
		Kind:      KindClose,
		Side:      s.Position.Side,
		Qty:       s.Position.Size,
		RefPrice:  act.RefPrice,
		Reason:    act.Reason,
		Submitted: s.now().UTC(),
	}
	s.setState(StateExitPending)
	return nil
}

// ExitFilled closes the position and returns the journal entry.
func (s *Strategy) ExitFilled(f Fill) (ClosedTrade, error) {
	if s.State != StateExitPending || s.Pending == nil || s.Position == nil {
		return ClosedTrade{}, fmt.Errorf("%w: exit fill in %s", ErrIllegalTransition, s.State)
	}
	reason := s.Pending.Reason
	trade := s.closeTrade(f.Price, f.Token, reason, f.At)
	s.Pending = nil
	s.Position = nil
	s.setState(StateIdle)
	s.drainQueue()
	return trade, nil
}

// ExitFailed returns a failed close to InPosition.
func (s *Strategy) ExitFailed() error {
	if s.State != StateExitPending {
		return fmt.Errorf("%w: exit failure in %s", ErrIllegalTransition, s.State)
	}
	s.Pending = nil
	s.setState(StateInPosition)
	s.drainQueue()
	return nil
}

// ClosedExternally handles a position that vanished on the venue, either
// through the resting stop or a manual close. No order is placed.
func (s *Strategy) ClosedExternally(exitPrice float64, exitToken, reason string) (ClosedTrade, bool) {
	if s.Position == nil {
		return ClosedTrade{}, false
	}
	trade := s.closeTrade(exitPrice, exitToken, reason, time.Time{})
	s.Position = nil
	s.Pending = nil
	if s.State != StateErrored {
		s.setState(StateIdle)
		s.drainQueue()
	} else {
		s.touch()
	}
	return trade, true
}

// AdoptPosition attaches a venue position found during reconciliation to
// a strategy whose entry outcome was unknown.
func (s *Strategy) AdoptPosition(f Fill, side common.PositionSide) {
	token := f.Token
	if s.Pending != nil && token == "" {
		token = s.Pending.Token
	}
	stop := 0.0
	if s.Pending != nil {
		stop = s.Pending.StopPrice
	}
	s.Position = &Position{
		Side:         side,
		Size:         f.Qty,
		EntryPrice:   f.Price,
		EntryToken:   token,
		EntryOrderID: f.OrderID,
		OpenedAt:     s.now().UTC(),
		StopPrice:    stop,
	}
	s.Pending = nil
	if s.State != StateErrored {
		s.setState(StateInPosition)
		s.drainQueue()
	} else {
		s.touch()
	}
}

func (s *Strategy) closeTrade(exit float64, exitToken, reason string, at time.Time) ClosedTrade {
	pos := s.Position
	if at.IsZero() {
		at = s.now().UTC()
	}
	if exit <= 0 {
		exit = s.LastPrice
	}
	return ClosedTrade{
		StrategyID: s.ID,
		Asset:      s.Params.Asset,
		Side:       pos.Side,
		Qty:        pos.Size,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		PnL:        RealizedPnL(pos.Side, pos.EntryPrice, exit, pos.Size),
		Reason:     reason,
		EntryToken: pos.EntryToken,
		ExitToken:  exitToken,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   at,
	}
}

// Fail freezes the strategy. Open positions and orders stay as they are.
func (s *Strategy) Fail(reason string) {
	s.ErrorReason = reason
	s.setState(StateErrored)
}

// Resume unfreezes an errored strategy into the state its holdings imply.
func (s *Strategy) Resume() error {
	if s.State != StateErrored {
		return ErrNotErrored
	}
	s.ErrorReason = ""
	s.Pending = nil
	if s.Position != nil {
		s.setState(StateInPosition)
	} else {
		s.setState(StateIdle)
	}
	s.drainQueue()
	return nil
}

// Mutate applies a parameter change now, or queues it while an order is
// in flight. It reports whether the change was applied immediately.
func (s *Strategy) Mutate(m Mutation) (bool, error) {
	if err := validateMutation(m); err != nil {
		return false, err
	}
	if s.State.Pending() {
		s.Queued = append(s.Queued, m)
		s.touch()
		return false, nil
	}
	s.apply(m)
	s.touch()
	return true, nil
}

func validateMutation(m Mutation) error {
	switch m.Kind {
	case MutateLength:
		return ValidateLength(m.Int)
	case MutateSize:
		return ValidateTradeSize(m.Float)
	case MutateLeverage:
		return ValidateLeverage(m.Int)
	}
	return fmt.Errorf("%w: unknown mutation %q", ErrInvalidParams, m.Kind)
}

func (s *Strategy) apply(m Mutation) {
	switch m.Kind {
	case MutateLength:
		if m.Int == s.Params.Length {
			return
		}
		s.Params.Length = m.Int
		_ = s.hull.Reset(m.Int)
		s.swing = newSwingWindow(SwingLookback(s.Params.Timeframe))
		s.needsWarm = true
	case MutateSize:
		s.Params.TradeSizeQuote = m.Float
	case MutateLeverage:
		s.Params.Leverage = m.Int
	}
}

func (s *Strategy) drainQueue() {
	if s.State.Pending() {
		return
	}
	for _, m := range s.Queued {
		s.apply(m)
	}
	s.Queued = nil
}

func (s *Strategy) setState(st State) {
	s.State = st
	s.touch()
}

func (s *Strategy) touch() {
	s.UpdatedAt = s.now().UTC()
}

// Summary returns a snapshot safe to hand to other goroutines.
func (s *Strategy) Summary() Summary {
	sum := Summary{
		ID:                 s.ID,
		Params:             s.Params,
		State:              s.State,
		Trend:              s.hull.Trend().String(),
		HullValue:          s.hull.Value(),
		LastPrice:          s.LastPrice,
		LastCandleOpenTime: s.LastCandleOpenTime,
		QueuedMutations:    len(s.Queued),
		ErrorReason:        s.ErrorReason,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	if s.Position != nil {
		p := *s.Position
		sum.Position = &p
	}
	if s.Pending != nil {
		sum.PendingKind = s.Pending.Kind
	}
	return sum
}
