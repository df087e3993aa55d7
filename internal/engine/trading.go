package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-engine/internal/events"
	"strategy-engine/internal/indicators"
	"strategy-engine/internal/notify"
	"strategy-engine/internal/order"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
)

// onCandle runs one closed candle through the indicator and state machine.
// It executes on the strategy's mailbox.
func (r *Registry) onCandle(ctx context.Context, s *strategy.Strategy, c common.Candle) {
	log := r.log.With(zap.String("strategy", s.ID), zap.Int64("open_time", c.OpenTime))
	if s.NeedsWarm() {
		r.warm(ctx, s, c.OpenTime)
	}

	prevTrend := s.Hull().Trend()
	act, err := s.Decide(c)
	if errors.Is(err, indicators.ErrStaleCandle) {
		log.Debug("stale candle ignored")
		return
	}
	if trend := s.Hull().Trend(); prevTrend != indicators.DirNone && trend != prevTrend {
		r.bus.Publish(events.EventStrategySignal, events.SignalPayload{
			StrategyID: s.ID,
			Asset:      s.Params.Asset,
			Direction:  trend.String(),
			Value:      s.Hull().Value(),
			OpenTime:   c.OpenTime,
		})
		log.Info("hull slope flipped", zap.String("direction", trend.String()), zap.Float64("hull", s.Hull().Value()))
	}
	if err != nil {
		// The stop would sit on the wrong side of the entry price.
		log.Warn("entry skipped", zap.Error(err))
		r.notify.Notify(notify.Event{Kind: notify.Info, StrategyID: s.ID, Asset: s.Params.Asset,
			Message: "entry skipped: " + err.Error()})
		r.commit(ctx, s, s.State, "")
		return
	}

	switch act.Kind {
	case strategy.ActOpen:
		r.openPosition(ctx, s, act)
	case strategy.ActClose:
		r.closePosition(ctx, s, act)
	default:
		r.commit(ctx, s, s.State, "")
	}
}

func entryRequest(s *strategy.Strategy, token string, act strategy.Action) order.Request {
	return order.Request{
		StrategyID: s.ID,
		Token:      token,
		Kind:       order.KindEntry,
		Asset:      s.Params.Asset,
		Side:       act.Side.EntrySide(),
		Type:       common.OrderTypeMarket,
		Qty:        act.Qty,
		RefPrice:   act.RefPrice,
		Leverage:   s.Params.Leverage,
	}
}

// openPosition submits an entry. The pending token is persisted before the
// order leaves so a crash mid-call is resolved by reconciliation.
func (r *Registry) openPosition(ctx context.Context, s *strategy.Strategy, act strategy.Action) {
	token := r.orders.NewToken()
	from := s.State
	if err := s.BeginEntry(token, act); err != nil {
		r.fail(ctx, s, err.Error())
		return
	}
	r.commit(ctx, s, from, act.Reason)

	res, err := r.orders.Submit(ctx, entryRequest(s, token, act))
	switch {
	case err == nil && res.Filled():
		if err := s.EntryFilled(strategy.Fill{Token: token, OrderID: res.ExchangeOrderID, Qty: res.FilledQty, Price: res.AvgPrice}); err != nil {
			r.fail(ctx, s, err.Error())
			return
		}
		r.commit(ctx, s, strategy.StateEntryPending, "entry filled")
		pos := s.Position
		r.notify.Notify(notify.Event{
			Kind:       notify.EntryOpened,
			StrategyID: s.ID,
			Asset:      s.Params.Asset,
			Message:    fmt.Sprintf("opened %s %.8g @ %.8g", pos.Side, pos.Size, pos.EntryPrice),
			Fields: map[string]string{
				"token":    token,
				"leverage": strconv.Itoa(s.Params.Leverage),
				"stop":     formatPrice(pos.StopPrice),
			},
		})
		if s.NeedsRestingStop() {
			r.placeStop(ctx, s)
		}
	case err != nil && (errors.Is(err, order.ErrExhausted) || errors.Is(err, context.Canceled)):
		// Outcome unknown; the token stays pending until reconciliation finds it.
		r.notify.Notify(notify.Event{Kind: notify.Info, StrategyID: s.ID, Asset: s.Params.Asset,
			Message: "entry outcome unknown, awaiting reconciliation: " + err.Error()})
		r.requestReconcile()
	case err != nil:
		_ = s.EntryFailed()
		r.commit(ctx, s, strategy.StateEntryPending, "entry rejected")
		r.notify.Notify(notify.Event{Kind: notify.Info, StrategyID: s.ID, Asset: s.Params.Asset,
			Message: "entry rejected: " + err.Error()})
	case res.Status.IsTerminal():
		_ = s.EntryFailed()
		r.commit(ctx, s, strategy.StateEntryPending, "entry "+string(res.Status))
	default:
		// Accepted but not filled yet.
		r.requestReconcile()
	}
}

// placeStop puts the reduce-only stop-market order on the book. Failing to
// protect an open position freezes the strategy.
func (r *Registry) placeStop(ctx context.Context, s *strategy.Strategy) {
	pos := s.Position
	token := r.orders.NewToken()
	res, err := r.orders.Submit(ctx, order.Request{
		StrategyID: s.ID,
		Token:      token,
		Kind:       order.KindStopLoss,
		Asset:      s.Params.Asset,
		Side:       pos.Side.EntrySide().Opposite(),
		Type:       common.OrderTypeStopMarket,
		Qty:        pos.Size,
		StopPrice:  pos.StopPrice,
		ReduceOnly: true,
	})
	if err != nil || res.Status == common.StatusRejected {
		if err == nil {
			err = errors.New("rejected")
		}
		r.fail(ctx, s, "stop-loss placement failed: "+err.Error())
		return
	}
	s.StopPlaced(token, res.ExchangeOrderID, res.StopPrice)
	r.commit(ctx, s, s.State, "")
	r.log.Info("stop-loss placed",
		zap.String("strategy", s.ID),
		zap.String("token", token),
		zap.Float64("stop", s.Position.StopPrice),
	)
}

// closePosition cancels the resting stop and submits a reduce-only close.
func (r *Registry) closePosition(ctx context.Context, s *strategy.Strategy, act strategy.Action) {
	token := r.orders.NewToken()
	if err := s.BeginExit(token, act); err != nil {
		r.fail(ctx, s, err.Error())
		return
	}
	r.commit(ctx, s, strategy.StateInPosition, act.Reason)
	if _, err := r.exit(ctx, s, token, act.RefPrice); err != nil {
		r.log.Warn("exit not completed", zap.String("strategy", s.ID), zap.Error(err))
		return
	}

	// Fully closed: the same signal may now open the other side.
	next, err := s.FollowUp(act)
	if err != nil {
		r.log.Warn("reversal skipped", zap.String("strategy", s.ID), zap.Error(err))
		r.notify.Notify(notify.Event{Kind: notify.Info, StrategyID: s.ID, Asset: s.Params.Asset,
			Message: "reversal skipped: " + err.Error()})
		return
	}
	if next.Kind == strategy.ActOpen {
		r.openPosition(ctx, s, next)
	}
}

// exit finishes a close that BeginExit started. It returns the trade when
// the position is gone.
func (r *Registry) exit(ctx context.Context, s *strategy.Strategy, token string, refPrice float64) (strategy.ClosedTrade, error) {
	pos := s.Position
	if pos.HasRestingStop() {
		cr, err := r.orders.Cancel(ctx, s.ID, s.Params.Asset, pos.StopOrderID, pos.StopToken)
		switch {
		case err != nil:
			// A lingering reduce-only stop cannot open exposure; reconciliation cleans it up.
			r.log.Warn("stop-loss cancel failed", zap.String("strategy", s.ID), zap.Error(err))
		case cr.AlreadyFilled:
			trade, _ := s.ClosedExternally(cr.FillPrice, pos.StopToken, "stop_loss")
			r.commit(ctx, s, strategy.StateExitPending, "stop-loss filled")
			r.recordTrade(ctx, trade)
			r.notifyClose(s, trade, notify.StopLossHit)
			return trade, nil
		default:
			s.StopCancelled()
		}
	}

	res, err := r.orders.Submit(ctx, order.Request{
		StrategyID: s.ID,
		Token:      token,
		Kind:       order.KindClose,
		Asset:      s.Params.Asset,
		Side:       pos.Side.EntrySide().Opposite(),
		Type:       common.OrderTypeMarket,
		Qty:        pos.Size,
		RefPrice:   refPrice,
		ReduceOnly: true,
	})
	switch {
	case err == nil && res.Filled():
		trade, ferr := s.ExitFilled(strategy.Fill{Token: token, OrderID: res.ExchangeOrderID, Qty: res.FilledQty, Price: res.AvgPrice})
		if ferr != nil {
			r.fail(ctx, s, ferr.Error())
			return strategy.ClosedTrade{}, ferr
		}
		r.commit(ctx, s, strategy.StateExitPending, "exit filled")
		r.recordTrade(ctx, trade)
		kind := notify.ExitClosed
		if trade.Reason == "stop_loss" {
			kind = notify.StopLossHit
		}
		r.notifyClose(s, trade, kind)
		return trade, nil
	case err != nil && (errors.Is(err, order.ErrExhausted) || errors.Is(err, context.Canceled)):
		r.requestReconcile()
		return strategy.ClosedTrade{}, exchangeError("close", err)
	case err != nil || res.Status.IsTerminal():
		if err == nil {
			err = fmt.Errorf("close order %s", res.Status)
		}
		_ = s.ExitFailed()
		r.commit(ctx, s, strategy.StateExitPending, "exit rejected")
		r.notify.Notify(notify.Event{Kind: notify.Info, StrategyID: s.ID, Asset: s.Params.Asset,
			Message: "close rejected: " + err.Error()})
		if s.NeedsRestingStop() {
			r.placeStop(ctx, s)
		}
		r.requestReconcile()
		return strategy.ClosedTrade{}, exchangeError("close", err)
	default:
		r.requestReconcile()
		return strategy.ClosedTrade{}, fmt.Errorf("%w: close %s not filled yet", ErrExchangeUnavailable, token)
	}
}

// forceClose closes the position ahead of removal.
func (r *Registry) forceClose(ctx context.Context, s *strategy.Strategy) (strategy.ClosedTrade, error) {
	if s.State == strategy.StateErrored {
		return strategy.ClosedTrade{}, fmt.Errorf("%w: resume %s before force removal", ErrBusy, s.ID)
	}
	token := r.orders.NewToken()
	act := strategy.Action{Kind: strategy.ActClose, Side: s.Position.Side, RefPrice: s.LastPrice, Reason: "removed"}
	if err := s.BeginExit(token, act); err != nil {
		return strategy.ClosedTrade{}, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	r.commit(ctx, s, strategy.StateInPosition, "force close")
	return r.exit(ctx, s, token, s.LastPrice)
}

func (r *Registry) fail(ctx context.Context, s *strategy.Strategy, reason string) {
	from := s.State
	s.Fail(reason)
	r.commit(ctx, s, from, reason)
}

func (r *Registry) recordTrade(ctx context.Context, t strategy.ClosedTrade) {
	err := r.db.CreateTrade(context.WithoutCancel(ctx), db.Trade{
		ID:         uuid.NewString(),
		StrategyID: t.StrategyID,
		Asset:      t.Asset,
		Side:       string(t.Side),
		Qty:        t.Qty,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		PnL:        t.PnL,
		Reason:     t.Reason,
		EntryToken: t.EntryToken,
		ExitToken:  t.ExitToken,
		OpenedAt:   t.OpenedAt,
		ClosedAt:   t.ClosedAt,
	})
	if err != nil {
		r.log.Error("failed to journal trade", zap.String("strategy", t.StrategyID), zap.Error(err))
	}
}

func (r *Registry) notifyClose(s *strategy.Strategy, t strategy.ClosedTrade, kind notify.Kind) {
	r.notify.Notify(notify.Event{
		Kind:       kind,
		StrategyID: s.ID,
		Asset:      t.Asset,
		Message:    fmt.Sprintf("closed %s %.8g @ %.8g (%s)", t.Side, t.Qty, t.ExitPrice, t.Reason),
		Fields: map[string]string{
			"entry": formatPrice(t.EntryPrice),
			"pnl":   strconv.FormatFloat(t.PnL, 'f', 4, 64),
		},
	})
}

func formatPrice(p float64) string {
	if p == 0 {
		return "-"
	}
	return strconv.FormatFloat(p, 'f', -1, 64)
}
