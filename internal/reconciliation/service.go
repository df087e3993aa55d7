// Package reconciliation compares what strategies believe they hold with
// what the exchange reports. The exchange is ground truth: findings tell
// the engine how to correct local state, and each discrepancy is recorded
// under a unique key so it is announced once.
package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
)

// Exchange is the read side of the order coordinator.
type Exchange interface {
	Positions(ctx context.Context) ([]common.Position, error)
	OpenOrders(ctx context.Context) ([]common.OpenOrder, error)
	Lookup(ctx context.Context, asset, token string) (common.OrderResult, bool, error)
}

// Store persists reports and exposes unresolved idempotency tokens.
type Store interface {
	RecordReport(ctx context.Context, r db.ReconciliationReport) (bool, error)
	ListOpenIntents(ctx context.Context) ([]db.OrderIntent, error)
	UpdateIntent(ctx context.Context, token, status, exchangeOrderID string, filledQty, avgPrice float64, lastErr string) error
}

// Kind names a discrepancy.
type Kind string

const (
	EntryFilled      Kind = "entry_filled"
	EntryMissing     Kind = "entry_missing"
	ExitFilled       Kind = "exit_filled"
	ExitMissing      Kind = "exit_missing"
	StopFilled       Kind = "stop_filled"
	StopMissing      Kind = "stop_missing"
	ClosedExternally Kind = "closed_externally"
	OrphanPosition   Kind = "orphan_position"
	SizeMismatch     Kind = "size_mismatch"
)

// Finding is one discrepancy and the data needed to resolve it.
type Finding struct {
	Key        string
	Kind       Kind
	StrategyID string
	Asset      string
	Detail     string
	Fill       strategy.Fill
	Side       common.PositionSide
}

// Holding is a strategy's claim on exchange state.
type Holding struct {
	StrategyID string
	Asset      string
	State      strategy.State
	Position   *strategy.Position
	Pending    *strategy.PendingOrder
}

// Snapshot is the exchange state fetched once per pass.
type Snapshot struct {
	Positions map[string]common.Position  // by asset
	Orders    map[string]common.OpenOrder // by client id
	TakenAt   time.Time

	// Claims is the signed net all strategies expect per asset. Nil means
	// each holding is judged alone.
	Claims map[string]float64
}

// Claim records the net position the holdings expect on each asset.
func (s *Snapshot) Claim(holdings []Holding) {
	s.Claims = make(map[string]float64)
	for _, h := range holdings {
		if h.Position != nil {
			s.Claims[h.Asset] += signed(h.Position.Side, h.Position.Size)
		}
	}
}

// flatMeansClosed reports whether a flat asset proves h's position is gone.
// Opposite positions of two strategies net to flat on a one-way account.
func (s Snapshot) flatMeansClosed(h Holding) bool {
	if h.Position == nil {
		return true
	}
	net := signed(h.Position.Side, h.Position.Size)
	if s.Claims != nil {
		net = s.Claims[h.Asset]
	}
	return math.Abs(net) > 1e-9
}

// Report summarizes a pass.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Findings  []Finding `json:"findings"`
	Notified  int       `json:"notified"`
	Skipped   []string  `json:"skipped,omitempty"`
}

// HasDiffs reports whether anything was out of line.
func (r Report) HasDiffs() bool { return len(r.Findings) > 0 }

// Runner performs one full pass. The engine implements it.
type Runner interface {
	Reconcile(ctx context.Context) (Report, error)
}

// Service holds the comparison rules.
type Service struct {
	exchange Exchange
	store    Store
	log      *zap.Logger

	// IntentGrace keeps young tokens out of intent cleanup so an order
	// still being submitted is not mistaken for a lost one.
	IntentGrace time.Duration

	mu sync.Mutex
}

// NewService builds a reconciliation service.
func NewService(exchange Exchange, store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		exchange:    exchange,
		store:       store,
		log:         log.With(zap.String("component", "reconciliation")),
		IntentGrace: 5 * time.Minute,
	}
}

// Snapshot fetches positions and resting orders.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	positions, err := s.exchange.Positions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch positions: %w", err)
	}
	orders, err := s.exchange.OpenOrders(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch open orders: %w", err)
	}
	snap := Snapshot{
		Positions: make(map[string]common.Position, len(positions)),
		Orders:    make(map[string]common.OpenOrder, len(orders)),
		TakenAt:   time.Now().UTC(),
	}
	for _, p := range positions {
		if p.Size > 0 {
			snap.Positions[p.Symbol] = p
		}
	}
	for _, o := range orders {
		if o.ClientID != "" {
			snap.Orders[o.ClientID] = o
		}
	}
	return snap, nil
}

// Check compares one holding with the snapshot, looking tokens up on the
// exchange where the snapshot alone cannot tell what happened.
func (s *Service) Check(ctx context.Context, h Holding, snap Snapshot) ([]Finding, error) {
	_, hasPos := snap.Positions[h.Asset]

	if p := h.Pending; p != nil {
		res, found, err := s.exchange.Lookup(ctx, h.Asset, p.Token)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", p.Token, err)
		}
		if found && !res.Status.IsTerminal() {
			return nil, nil
		}
		filled := found && res.Status == common.StatusFilled
		fill := strategy.Fill{Token: p.Token, OrderID: res.ExchangeOrderID, Qty: res.FilledQty, Price: res.AvgPrice}
		switch p.Kind {
		case strategy.KindEntry:
			if filled {
				return []Finding{s.finding(EntryFilled, h, p.Token, fill, p.Side,
					fmt.Sprintf("entry %s filled %.8g @ %.8g", p.Token, res.FilledQty, res.AvgPrice))}, nil
			}
			return []Finding{s.finding(EntryMissing, h, p.Token, fill, p.Side,
				fmt.Sprintf("entry %s did not execute (%s)", p.Token, describe(found, res)))}, nil
		case strategy.KindClose:
			if filled {
				return []Finding{s.finding(ExitFilled, h, p.Token, fill, p.Side,
					fmt.Sprintf("close %s filled @ %.8g", p.Token, res.AvgPrice))}, nil
			}
			if !hasPos && snap.flatMeansClosed(h) {
				return []Finding{s.closedExternally(h)}, nil
			}
			return []Finding{s.finding(ExitMissing, h, p.Token, fill, p.Side,
				fmt.Sprintf("close %s did not execute (%s)", p.Token, describe(found, res)))}, nil
		}
		return nil, nil
	}

	pos := h.Position
	if pos == nil {
		return nil, nil
	}
	if pos.StopToken != "" {
		if _, resting := snap.Orders[pos.StopToken]; !resting {
			res, found, err := s.exchange.Lookup(ctx, h.Asset, pos.StopToken)
			if err != nil {
				return nil, fmt.Errorf("lookup %s: %w", pos.StopToken, err)
			}
			if found && res.Status == common.StatusFilled {
				fill := strategy.Fill{Token: pos.StopToken, OrderID: res.ExchangeOrderID, Qty: res.FilledQty, Price: res.AvgPrice}
				return []Finding{s.finding(StopFilled, h, pos.StopToken, fill, pos.Side,
					fmt.Sprintf("stop-loss %s filled @ %.8g", pos.StopToken, res.AvgPrice))}, nil
			}
			if hasPos {
				return []Finding{s.finding(StopMissing, h, pos.StopToken, strategy.Fill{}, pos.Side,
					fmt.Sprintf("stop-loss %s no longer rests (%s)", pos.StopToken, describe(found, res)))}, nil
			}
		}
	}
	// Strategies on one asset net on the exchange, so only a flat asset
	// that was expected to hold something proves a position is gone.
	if !hasPos && snap.flatMeansClosed(h) {
		return []Finding{s.closedExternally(h)}, nil
	}
	return nil, nil
}

func (s *Service) closedExternally(h Holding) Finding {
	token := ""
	side := common.PositionSide("")
	if h.Position != nil {
		token = h.Position.EntryToken
		side = h.Position.Side
	}
	return s.finding(ClosedExternally, h, token, strategy.Fill{}, side,
		fmt.Sprintf("exchange shows no %s position for %s", h.Asset, h.StrategyID))
}

func (s *Service) finding(kind Kind, h Holding, token string, fill strategy.Fill, side common.PositionSide, detail string) Finding {
	return Finding{
		Key:        fmt.Sprintf("%s:%s:%s", kind, h.StrategyID, token),
		Kind:       kind,
		StrategyID: h.StrategyID,
		Asset:      h.Asset,
		Detail:     detail,
		Fill:       fill,
		Side:       side,
	}
}

func describe(found bool, res common.OrderResult) string {
	if !found {
		return "not found"
	}
	return string(res.Status)
}

// Aggregate compares per-asset totals once strategy-level findings have been
// applied. Assets with an order in flight are left for the next pass.
func (s *Service) Aggregate(holdings []Holding, snap Snapshot) []Finding {
	expected := make(map[string]float64)
	claimed := make(map[string]bool)
	busy := make(map[string]bool)
	for _, h := range holdings {
		if h.Pending != nil {
			busy[h.Asset] = true
		}
		if h.Position != nil {
			claimed[h.Asset] = true
			expected[h.Asset] += signed(h.Position.Side, h.Position.Size)
		}
	}

	assets := make([]string, 0, len(snap.Positions))
	for a := range snap.Positions {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	var out []Finding
	for _, asset := range assets {
		if busy[asset] {
			continue
		}
		p := snap.Positions[asset]
		actual := signed(p.Side, p.Size)
		if !claimed[asset] {
			out = append(out, Finding{
				Key:    fmt.Sprintf("%s:%s:%s:%.8g", OrphanPosition, asset, p.Side, p.Size),
				Kind:   OrphanPosition,
				Asset:  asset,
				Side:   p.Side,
				Detail: fmt.Sprintf("%s %s %.8g @ %.8g is not owned by any strategy; left untouched", asset, p.Side, p.Size, p.EntryPrice),
			})
			continue
		}
		exp := expected[asset]
		if math.Abs(exp-actual) > 1e-6*math.Max(1, math.Abs(actual)) {
			out = append(out, Finding{
				Key:    fmt.Sprintf("%s:%s:%.8g:%.8g", SizeMismatch, asset, exp, actual),
				Kind:   SizeMismatch,
				Asset:  asset,
				Side:   p.Side,
				Detail: fmt.Sprintf("%s strategies hold %.8g net, exchange shows %.8g", asset, exp, actual),
			})
		}
	}
	return out
}

func signed(side common.PositionSide, size float64) float64 {
	if side == common.PositionShort {
		return -size
	}
	return size
}

// Record stores the finding and reports whether it is new.
func (s *Service) Record(ctx context.Context, f Finding) (bool, error) {
	return s.store.RecordReport(ctx, db.ReconciliationReport{
		Key:        f.Key,
		StrategyID: f.StrategyID,
		Asset:      f.Asset,
		Kind:       string(f.Kind),
		Detail:     f.Detail,
	})
}

// ResolveIntents settles tokens no strategy is waiting on: orders that were
// left UNKNOWN after retries ran out, or rows a crash left behind.
func (s *Service) ResolveIntents(ctx context.Context, snap Snapshot, active map[string]bool) (int, error) {
	intents, err := s.store.ListOpenIntents(ctx)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, in := range intents {
		if active[in.Token] {
			continue
		}
		if _, resting := snap.Orders[in.Token]; resting {
			continue
		}
		if time.Since(in.CreatedAt) < s.IntentGrace {
			continue
		}
		res, found, err := s.exchange.Lookup(ctx, in.Asset, in.Token)
		if err != nil {
			s.log.Warn("intent lookup failed", zap.String("token", in.Token), zap.Error(err))
			continue
		}
		status := db.IntentCanceled
		if found {
			switch res.Status {
			case common.StatusFilled:
				status = db.IntentFilled
			case common.StatusRejected:
				status = db.IntentRejected
			case common.StatusNew, common.StatusPartial:
				continue
			}
		}
		if err := s.store.UpdateIntent(ctx, in.Token, status, res.ExchangeOrderID, res.FilledQty, res.AvgPrice, describe(found, res)); err != nil {
			return resolved, err
		}
		s.log.Info("intent resolved", zap.String("token", in.Token), zap.String("status", status))
		resolved++
	}
	return resolved, nil
}

// Start runs runner every interval and whenever nudge fires, until ctx ends.
func (s *Service) Start(ctx context.Context, runner Runner, interval time.Duration, nudge <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-nudge:
			}
			s.runOnce(ctx, runner)
		}
	}()
	s.log.Info("reconciliation service started", zap.Duration("interval", interval))
}

func (s *Service) runOnce(ctx context.Context, runner Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, err := runner.Reconcile(ctx)
	if err != nil {
		s.log.Warn("reconciliation pass failed", zap.Error(err))
		return
	}
	s.handleReport(report)
}

func (s *Service) handleReport(report Report) {
	if !report.HasDiffs() {
		s.log.Debug("reconciliation ok")
		return
	}
	for _, f := range report.Findings {
		s.log.Info("reconciliation discrepancy",
			zap.String("kind", string(f.Kind)),
			zap.String("strategy", f.StrategyID),
			zap.String("asset", f.Asset),
			zap.String("detail", f.Detail),
		)
	}
}
