package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-engine/internal/events"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/notify"
	"strategy-engine/internal/order"
	"strategy-engine/internal/reconciliation"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
)

const maxHistory = 1500

type seriesKey struct {
	asset     string
	timeframe string
}

func (k seriesKey) String() string { return k.asset + "@" + k.timeframe }

// Config wires a Registry.
type Config struct {
	Market        common.MarketData
	Orders        *order.Coordinator
	DB            *db.Database
	Recon         *reconciliation.Service
	Notifier      notify.Notifier
	Bus           *events.Bus
	Metrics       *monitor.Metrics
	Log           *zap.Logger
	Workers       int
	WarmupCandles int
	Meta          SystemStatus
}

// Registry owns every strategy and the candle fan-out.
type Registry struct {
	market  common.MarketData
	orders  *order.Coordinator
	db      *db.Database
	recon   *reconciliation.Service
	notify  notify.Notifier
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *zap.Logger
	warmup  int
	meta    SystemStatus

	mu        sync.RWMutex
	runners   map[string]*runner
	subs      map[seriesKey]map[string]struct{}
	watermark map[seriesKey]int64

	sem     chan struct{}
	feed    *Feed
	nudge   chan struct{}
	reconMu sync.Mutex
	ready   atomic.Bool
	ctx     context.Context // guarded by mu
	wg      sync.WaitGroup
}

var _ Service = (*Registry)(nil)

// New builds a registry. Start must run before candles flow.
func New(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WarmupCandles <= 0 {
		cfg.WarmupCandles = 300
	}
	r := &Registry{
		market:    cfg.Market,
		orders:    cfg.Orders,
		db:        cfg.DB,
		recon:     cfg.Recon,
		notify:    cfg.Notifier,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		log:       cfg.Log.With(zap.String("component", "registry")),
		warmup:    cfg.WarmupCandles,
		meta:      cfg.Meta,
		runners:   make(map[string]*runner),
		subs:      make(map[seriesKey]map[string]struct{}),
		watermark: make(map[seriesKey]int64),
		sem:       make(chan struct{}, cfg.Workers),
		nudge:     make(chan struct{}, 1),
		ctx:       context.Background(),
	}
	r.feed = NewFeed(cfg.Market, r.Dispatch, cfg.Log)
	return r
}

// Nudges fires when a pass of reconciliation should run soon.
func (r *Registry) Nudges() <-chan struct{} { return r.nudge }

func (r *Registry) requestReconcile() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Ready reports whether startup reconciliation finished.
func (r *Registry) Ready() bool { return r.ready.Load() }

// Start restores persisted strategies, adds seeds that are not registered
// yet, warms every indicator, reconciles against the exchange and only then
// subscribes to candles.
func (r *Registry) Start(ctx context.Context, seeds []strategy.Seed) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	if r.meta.StartedAt.IsZero() {
		r.meta.StartedAt = time.Now().UTC()
	}

	records, err := r.db.LoadStrategies(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	for _, rec := range records {
		s, err := strategy.FromRecord(rec)
		if err != nil {
			r.log.Error("skipping unreadable strategy", zap.String("strategy", rec.ID), zap.Error(err))
			continue
		}
		r.warm(ctx, s, 0)
		r.register(ctx, s)
		r.log.Info("strategy restored", zap.String("strategy", s.ID), zap.String("state", string(s.State)))
	}

	for _, seed := range seeds {
		if seed.ID != "" && r.runner(seed.ID) != nil {
			continue
		}
		if _, err := r.add(ctx, Spec{ID: seed.ID, Params: seed.Params}, false); err != nil {
			r.log.Error("seed strategy not added", zap.String("strategy", seed.ID), zap.Error(err))
		}
	}

	if _, err := r.Reconcile(ctx); err != nil {
		// Exchange truth is unknown; candles stay off until a pass succeeds.
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	r.mu.RLock()
	keys := make([]seriesKey, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	for _, k := range keys {
		r.feed.Acquire(ctx, k.asset, k.timeframe)
	}

	r.ready.Store(true)
	r.updateGauges()
	r.notify.Notify(notify.Event{
		Kind:    notify.Info,
		Message: fmt.Sprintf("engine online: %d strategies on %s", len(r.List()), r.meta.Venue),
	})
	return nil
}

// Wait blocks until every mailbox goroutine exited. Cancel the Start
// context first.
func (r *Registry) Wait() { r.wg.Wait() }

// register starts the mailbox for s. first reports whether s is the only
// subscriber of its series.
func (r *Registry) register(ctx context.Context, s *strategy.Strategy) (rn *runner, first bool) {
	rn = newRunner(s)
	key := seriesKey{rn.asset, rn.timeframe}
	r.mu.Lock()
	r.runners[rn.id] = rn
	set, ok := r.subs[key]
	if !ok {
		set = make(map[string]struct{})
		r.subs[key] = set
	}
	set[rn.id] = struct{}{}
	first = len(set) == 1
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx, rn)
	return rn, first
}

// deregister stops dispatch to id and releases its feed when it was the
// last subscriber.
func (r *Registry) deregister(id string) {
	r.mu.Lock()
	rn, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.runners, id)
	key := seriesKey{rn.asset, rn.timeframe}
	last := false
	if set := r.subs[key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.subs, key)
			delete(r.watermark, key)
			last = true
		}
	}
	r.mu.Unlock()
	rn.close()
	if last {
		r.feed.Release(key.asset, key.timeframe)
	}
	r.updateGauges()
}

func (r *Registry) runner(id string) *runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[id]
}

func (r *Registry) mustRunner(id string) (*runner, error) {
	rn := r.runner(id)
	if rn == nil {
		return nil, fmt.Errorf("%w: strategy %q", ErrNotFound, id)
	}
	return rn, nil
}

// Add validates spec, applies leverage, persists the strategy, warms its
// indicator and subscribes it to candles. It fails with ErrExchangeUnavailable
// until Start has reconciled and subscribed.
func (r *Registry) Add(ctx context.Context, spec Spec) (string, error) {
	if !r.ready.Load() {
		return "", fmt.Errorf("%w: engine is starting", ErrExchangeUnavailable)
	}
	return r.add(ctx, spec, true)
}

// baseCtx is the context mailboxes and feeds run under.
func (r *Registry) baseCtx() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ctx
}

func (r *Registry) add(ctx context.Context, spec Spec, subscribe bool) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if r.runner(spec.ID) != nil {
		return "", fmt.Errorf("%w: strategy %q already exists", ErrInvalidParameter, spec.ID)
	}
	s, err := strategy.New(spec.ID, spec.Params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
	p := s.Params

	if _, err := r.orders.Filters(ctx, p.Asset); err != nil {
		return "", exchangeError("asset "+p.Asset, err)
	}
	if err := r.orders.EnsureLeverage(ctx, p.Asset, p.Leverage); err != nil {
		return "", exchangeError("leverage", err)
	}

	rec, err := s.ToRecord()
	if err != nil {
		return "", err
	}
	if err := r.db.SaveStrategy(ctx, rec); err != nil {
		return "", fmt.Errorf("persist strategy: %w", err)
	}
	r.appendEvent(ctx, s.ID, "", string(s.State), "added")

	r.warm(ctx, s, 0)
	base := r.baseCtx()
	if _, first := r.register(base, s); first && subscribe {
		r.feed.Acquire(base, p.Asset, p.Timeframe)
	}
	r.updateGauges()
	r.log.Info("strategy added",
		zap.String("strategy", s.ID),
		zap.String("asset", p.Asset),
		zap.String("timeframe", p.Timeframe),
		zap.String("direction", string(p.Direction)),
		zap.Int("length", p.Length),
	)
	r.notify.Notify(notify.Event{
		Kind:       notify.Info,
		StrategyID: s.ID,
		Asset:      p.Asset,
		Message:    fmt.Sprintf("strategy added: %s %s %s, length %d, size %.2f USDT, leverage %dx", p.Asset, p.Timeframe, p.Direction, p.Length, p.TradeSizeQuote, p.Leverage),
	})
	return s.ID, nil
}

// Remove deregisters id. With an open position it fails with ErrBusy
// unless force is set, in which case the position is closed first. It
// returns the realized PnL of a forced close.
func (r *Registry) Remove(ctx context.Context, id string, force bool) (*float64, error) {
	rn, err := r.mustRunner(id)
	if err != nil {
		return nil, err
	}
	var pnl *float64
	err = r.call(ctx, rn, "remove", func(ctx context.Context, s *strategy.Strategy) error {
		if s.State.Pending() {
			return fmt.Errorf("%w: %s has an unresolved %s order", ErrBusy, id, s.Pending.Kind)
		}
		if s.Position != nil {
			if !force {
				return fmt.Errorf("%w: %s holds an open %s position", ErrBusy, id, s.Position.Side)
			}
			trade, err := r.forceClose(ctx, s)
			if err != nil {
				return err
			}
			pnl = &trade.PnL
		}
		if err := r.db.DeleteStrategy(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("delete strategy: %w", err)
		}
		r.appendEvent(ctx, id, string(s.State), "", "removed")
		rn.retired.Store(true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.deregister(id)
	r.log.Info("strategy removed", zap.String("strategy", id), zap.Bool("force", force))
	r.notify.Notify(notify.Event{Kind: notify.Info, StrategyID: id, Asset: rn.asset, Message: "strategy removed"})
	return pnl, nil
}

// mutate applies or queues a parameter change.
func (r *Registry) mutate(ctx context.Context, id string, m strategy.Mutation) (Response, error) {
	rn, err := r.mustRunner(id)
	if err != nil {
		return Response{}, err
	}
	queued := false
	err = r.call(ctx, rn, "adjust "+string(m.Kind), func(ctx context.Context, s *strategy.Strategy) error {
		if m.Kind == strategy.MutateLeverage && !s.State.Pending() {
			if err := strategy.ValidateLeverage(m.Int); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
			}
			// The exchange decides whether the change is allowed with a position open.
			if err := r.orders.EnsureLeverage(ctx, s.Params.Asset, m.Int); err != nil {
				return exchangeError("leverage", err)
			}
		}
		applied, err := s.Mutate(m)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
		}
		queued = !applied
		if applied && s.NeedsWarm() {
			r.warm(ctx, s, 0)
		}
		r.commit(ctx, s, s.State, "")
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	sum := *rn.summary.Load()
	r.log.Info("strategy adjusted",
		zap.String("strategy", id),
		zap.String("param", string(m.Kind)),
		zap.Int("int", m.Int),
		zap.Float64("float", m.Float),
		zap.Bool("queued", queued),
	)
	return Response{ID: id, Strategy: &sum, Queued: queued}, nil
}

// Resume takes a strategy out of Errored and restores its stop-loss.
func (r *Registry) Resume(ctx context.Context, id string) error {
	rn, err := r.mustRunner(id)
	if err != nil {
		return err
	}
	return r.call(ctx, rn, "resume", func(ctx context.Context, s *strategy.Strategy) error {
		from := s.State
		if err := s.Resume(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
		}
		r.commit(ctx, s, from, "resumed by operator")
		r.notify.Notify(notify.Event{Kind: notify.Info, StrategyID: s.ID, Asset: s.Params.Asset,
			Message: "strategy resumed in " + string(s.State)})
		if s.NeedsRestingStop() {
			r.placeStop(ctx, s)
		}
		r.requestReconcile()
		return nil
	})
}

// List returns every strategy ordered by id.
func (r *Registry) List() []strategy.Summary {
	r.mu.RLock()
	out := make([]strategy.Summary, 0, len(r.runners))
	for _, rn := range r.runners {
		out = append(out, *rn.summary.Load())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one strategy.
func (r *Registry) Get(_ context.Context, id string) (strategy.Summary, error) {
	rn, err := r.mustRunner(id)
	if err != nil {
		return strategy.Summary{}, err
	}
	return *rn.summary.Load(), nil
}

// Trades returns the trade journal.
func (r *Registry) Trades(ctx context.Context, strategyID string, limit int) ([]db.Trade, error) {
	return r.db.ListTrades(ctx, strategyID, limit)
}

// Events returns the transition audit trail.
func (r *Registry) Events(ctx context.Context, strategyID string) ([]db.StrategyEvent, error) {
	if r.runner(strategyID) == nil {
		return nil, fmt.Errorf("%w: strategy %q", ErrNotFound, strategyID)
	}
	return r.db.ListStrategyEvents(ctx, strategyID)
}

// Status reports runtime metadata.
func (r *Registry) Status(_ context.Context) SystemStatus {
	st := r.meta
	st.Ready = r.ready.Load()
	st.ServerTime = time.Now().UTC()
	st.ByState = make(map[string]int)
	for _, s := range r.List() {
		st.ByState[string(s.State)]++
		st.Strategies++
	}
	r.mu.RLock()
	for k := range r.subs {
		st.Series = append(st.Series, k.String())
	}
	r.mu.RUnlock()
	sort.Strings(st.Series)
	return st
}

// Dispatch fans a closed candle out to the strategies subscribed to its
// series. Candles at or before the series watermark are dropped, which
// removes duplicates from reconnects and overlapping sources.
func (r *Registry) Dispatch(c common.Candle) {
	if !c.Closed {
		return
	}
	key := seriesKey{c.Symbol, c.Interval}
	r.mu.Lock()
	if c.OpenTime <= r.watermark[key] {
		r.mu.Unlock()
		return
	}
	r.watermark[key] = c.OpenTime
	base := r.ctx
	targets := make([]*runner, 0, len(r.subs[key]))
	for id := range r.subs[key] {
		if rn := r.runners[id]; rn != nil {
			targets = append(targets, rn)
		}
	}
	r.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	r.bus.Publish(events.EventCandleClosed, events.CandlePayload{
		Asset:     c.Symbol,
		Timeframe: c.Interval,
		OpenTime:  c.OpenTime,
		Close:     c.Close,
		Fanout:    len(targets),
	})
	for _, rn := range targets {
		candle := c
		r.post(base, rn, "candle", func(ctx context.Context, s *strategy.Strategy) error {
			r.onCandle(ctx, s, candle)
			return nil
		})
	}
}

// warm loads history older than before (all history when before is 0).
func (r *Registry) warm(ctx context.Context, s *strategy.Strategy, before int64) {
	if r.market == nil {
		return
	}
	limit := 2*s.Params.Length + 10
	if limit < r.warmup {
		limit = r.warmup
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	candles, err := r.market.Candles(ctx, s.Params.Asset, s.Params.Timeframe, limit)
	if err != nil {
		r.log.Warn("history unavailable, indicator warms live",
			zap.String("strategy", s.ID), zap.Error(err))
		return
	}
	if before > 0 {
		n := 0
		for _, c := range candles {
			if c.OpenTime < before {
				candles[n] = c
				n++
			}
		}
		candles = candles[:n]
	}
	s.Warm(candles)
	r.log.Debug("indicator warmed",
		zap.String("strategy", s.ID),
		zap.Int("candles", len(candles)),
		zap.Bool("ready", s.Hull().Ready()),
	)
}

// commit persists s and records a transition away from from.
func (r *Registry) commit(ctx context.Context, s *strategy.Strategy, from strategy.State, reason string) {
	ctx = context.WithoutCancel(ctx)
	rec, err := s.ToRecord()
	if err == nil {
		err = r.db.SaveStrategy(ctx, rec)
	}
	if err != nil {
		r.log.Error("failed to persist strategy", zap.String("strategy", s.ID), zap.Error(err))
	}
	if from == s.State {
		return
	}
	r.appendEvent(ctx, s.ID, string(from), string(s.State), reason)
	r.bus.Publish(events.EventStrategyState, events.StatePayload{
		StrategyID: s.ID, From: string(from), To: string(s.State), Reason: reason,
	})
	r.log.Info("strategy transition",
		zap.String("strategy", s.ID),
		zap.String("from", string(from)),
		zap.String("to", string(s.State)),
		zap.String("reason", reason),
	)
	if s.State == strategy.StateErrored {
		r.notify.Notify(notify.Event{
			Kind:       notify.Errored,
			StrategyID: s.ID,
			Asset:      s.Params.Asset,
			Message:    s.ErrorReason,
		})
	}
	r.updateGauges()
}

func (r *Registry) appendEvent(ctx context.Context, id, from, to, reason string) {
	if err := r.db.AppendStrategyEvent(context.WithoutCancel(ctx), db.StrategyEvent{
		StrategyID: id, FromState: from, ToState: to, Reason: reason,
	}); err != nil {
		r.log.Warn("failed to record strategy event", zap.String("strategy", id), zap.Error(err))
	}
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, s := range r.List() {
		counts[string(s.State)]++
	}
	r.metrics.SetStrategyCounts(counts)
}
