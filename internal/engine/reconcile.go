package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/events"
	"strategy-engine/internal/notify"
	"strategy-engine/internal/reconciliation"
	"strategy-engine/internal/strategy"
)

func holdingOf(s *strategy.Strategy) reconciliation.Holding {
	h := reconciliation.Holding{
		StrategyID: s.ID,
		Asset:      s.Params.Asset,
		State:      s.State,
	}
	if s.Position != nil {
		p := *s.Position
		h.Position = &p
	}
	if s.Pending != nil {
		p := *s.Pending
		h.Pending = &p
	}
	return h
}

// Reconcile runs one pass: every strategy is checked on its own mailbox,
// then per-asset totals and leftover tokens are compared.
func (r *Registry) Reconcile(ctx context.Context) (reconciliation.Report, error) {
	r.reconMu.Lock()
	defer r.reconMu.Unlock()

	report := reconciliation.Report{Timestamp: time.Now().UTC()}
	if r.recon == nil {
		return report, nil
	}
	r.mu.RLock()
	runners := make([]*runner, 0, len(r.runners))
	for _, rn := range r.runners {
		runners = append(runners, rn)
	}
	r.mu.RUnlock()
	sort.Slice(runners, func(i, j int) bool { return runners[i].id < runners[j].id })

	// Order traffic after the snapshot makes it stale for that asset.
	marks := make(map[string]uint64)
	for _, rn := range runners {
		marks[rn.asset] = r.orders.Activity(rn.asset)
	}
	snap, err := r.recon.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
	moved := func(asset string) bool { return r.orders.Activity(asset) != marks[asset] }
	claims := make([]reconciliation.Holding, 0, len(runners))
	for _, sum := range r.List() {
		claims = append(claims, reconciliation.Holding{StrategyID: sum.ID, Asset: sum.Params.Asset, Position: sum.Position})
	}
	snap.Claim(claims)

	var holdings []reconciliation.Holding
	active := make(map[string]bool)
	for _, rn := range runners {
		var h reconciliation.Holding
		err := r.call(ctx, rn, "reconcile", func(ctx context.Context, s *strategy.Strategy) error {
			h = holdingOf(s)
			if moved(rn.asset) {
				return nil
			}
			findings, err := r.recon.Check(ctx, holdingOf(s), snap)
			if err != nil {
				return err
			}
			for _, f := range findings {
				if r.resolve(ctx, s, f) {
					report.Notified++
				}
				report.Findings = append(report.Findings, f)
			}
			h = holdingOf(s)
			return nil
		})
		if err != nil {
			r.log.Warn("strategy not reconciled", zap.String("strategy", rn.id), zap.Error(err))
			report.Skipped = append(report.Skipped, rn.id)
			// Unknown state for this asset: keep it out of the totals.
			h = reconciliation.Holding{StrategyID: rn.id, Asset: rn.asset, Pending: &strategy.PendingOrder{}}
		}
		holdings = append(holdings, h)
		if h.Pending != nil {
			active[h.Pending.Token] = true
		}
		if h.Position != nil && h.Position.StopToken != "" {
			active[h.Position.StopToken] = true
		}
	}

	for i := range holdings {
		if moved(holdings[i].Asset) && holdings[i].Pending == nil {
			holdings[i].Pending = &strategy.PendingOrder{}
		}
	}
	for _, f := range r.recon.Aggregate(holdings, snap) {
		if r.announce(ctx, nil, f) {
			report.Notified++
		}
		report.Findings = append(report.Findings, f)
	}

	if n, err := r.recon.ResolveIntents(ctx, snap, active); err != nil {
		r.log.Warn("intent cleanup failed", zap.Error(err))
	} else if n > 0 {
		r.log.Info("stale intents resolved", zap.Int("count", n))
	}
	return report, nil
}

// resolve applies a finding to s, exchange state winning, and reports
// whether a notification went out.
func (r *Registry) resolve(ctx context.Context, s *strategy.Strategy, f reconciliation.Finding) bool {
	from := s.State
	kind := notify.Reconciled
	switch f.Kind {
	case reconciliation.EntryFilled:
		if s.State == strategy.StateEntryPending {
			_ = s.EntryFilled(f.Fill)
		} else {
			s.AdoptPosition(f.Fill, f.Side)
		}
	case reconciliation.EntryMissing:
		if s.State == strategy.StateEntryPending {
			_ = s.EntryFailed()
		} else {
			s.Pending = nil
		}
	case reconciliation.ExitFilled:
		var trade strategy.ClosedTrade
		if s.State == strategy.StateExitPending {
			trade, _ = s.ExitFilled(f.Fill)
		} else {
			trade, _ = s.ClosedExternally(f.Fill.Price, f.Fill.Token, "close")
		}
		r.recordTrade(ctx, trade)
	case reconciliation.ExitMissing:
		if s.State == strategy.StateExitPending {
			_ = s.ExitFailed()
		} else {
			s.Pending = nil
		}
	case reconciliation.StopFilled:
		trade, _ := s.ClosedExternally(f.Fill.Price, f.Fill.Token, "stop_loss")
		r.recordTrade(ctx, trade)
		kind = notify.StopLossHit
	case reconciliation.StopMissing:
		s.StopCancelled()
	case reconciliation.ClosedExternally:
		trade, ok := s.ClosedExternally(0, "", "closed_externally")
		if ok {
			r.recordTrade(ctx, trade)
		}
	}
	r.commit(ctx, s, from, "reconciled: "+string(f.Kind))
	notified := r.announceAs(ctx, s, f, kind)

	if s.State == strategy.StateInPosition && s.NeedsRestingStop() {
		r.placeStop(ctx, s)
	}
	return notified
}

func (r *Registry) announce(ctx context.Context, s *strategy.Strategy, f reconciliation.Finding) bool {
	return r.announceAs(ctx, s, f, notify.Reconciled)
}

// announceAs records f and notifies only the first time its key is seen.
func (r *Registry) announceAs(ctx context.Context, s *strategy.Strategy, f reconciliation.Finding, kind notify.Kind) bool {
	fresh, err := r.recon.Record(context.WithoutCancel(ctx), f)
	if err != nil {
		r.log.Error("failed to record discrepancy", zap.String("key", f.Key), zap.Error(err))
		return false
	}
	if !fresh {
		return false
	}
	r.bus.Publish(events.EventReconciled, events.ReconcilePayload{
		StrategyID: f.StrategyID,
		Asset:      f.Asset,
		Kind:       string(f.Kind),
		Detail:     f.Detail,
	})
	ev := notify.Event{
		Kind:       kind,
		StrategyID: f.StrategyID,
		Asset:      f.Asset,
		Message:    f.Detail,
		Fields:     map[string]string{"discrepancy": string(f.Kind)},
	}
	if s != nil {
		ev.Fields["state"] = string(s.State)
	}
	r.notify.Notify(ev)
	return true
}
