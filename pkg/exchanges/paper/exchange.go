// Package paper is an in-memory futures venue used for dry runs and tests.
// Market orders fill at the last cached price, stop orders rest until a
// candle trades through them, and positions net per symbol (one-way mode).
package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"strategy-engine/pkg/cache"
	"strategy-engine/pkg/exchanges/common"
)

const historyLimit = 1500

// Config tunes the simulation.
type Config struct {
	InitialBalance float64
	FeeRate        float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps    float64 // applied against the taker on market fills
}

type order struct {
	id     string
	req    common.OrderRequest
	status common.OrderStatus
	filled float64
	avg    float64
}

type position struct {
	qty   float64 // signed, positive is long
	entry float64
}

type seriesKey struct{ symbol, interval string }

// Exchange implements common.Gateway in memory. When upstream market data is
// given, candles come from it and are mirrored into the simulation.
type Exchange struct {
	cfg      Config
	upstream common.MarketData
	prices   *cache.PriceCache
	log      *zap.Logger

	mu        sync.Mutex
	balance   float64
	nextID    int64
	orders    map[string]*order // by exchange id
	byClient  map[string]*order
	positions map[string]*position
	leverage  map[string]int
	filters   map[string]common.SymbolFilter
	history   map[seriesKey][]common.Candle
	subs      map[seriesKey][]chan common.Candle
	faults    []fault
}

type fault struct {
	err   error
	apply bool
}

var _ common.Gateway = (*Exchange)(nil)

// New builds a paper venue. upstream may be nil.
func New(cfg Config, upstream common.MarketData, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		cfg:       cfg,
		upstream:  upstream,
		prices:    cache.NewPriceCache(),
		log:       log.With(zap.String("component", "paper")),
		balance:   cfg.InitialBalance,
		orders:    make(map[string]*order),
		byClient:  make(map[string]*order),
		positions: make(map[string]*position),
		leverage:  make(map[string]int),
		filters:   make(map[string]common.SymbolFilter),
		history:   make(map[seriesKey][]common.Candle),
		subs:      make(map[seriesKey][]chan common.Candle),
	}
}

// SetFilter overrides the precision constraints reported for a symbol.
func (e *Exchange) SetFilter(f common.SymbolFilter) {
	e.mu.Lock()
	e.filters[f.Symbol] = f
	e.mu.Unlock()
}

// FailNext queues an error for the next PlaceOrder call. With apply set the
// order still lands on the book before the error is returned, which is how a
// timeout after the exchange accepted the request looks to the caller.
func (e *Exchange) FailNext(err error, apply bool) {
	e.mu.Lock()
	e.faults = append(e.faults, fault{err: err, apply: apply})
	e.mu.Unlock()
}

// PlaceOrder accepts market, limit and stop-market orders.
func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var injected *fault
	if len(e.faults) > 0 {
		f := e.faults[0]
		e.faults = e.faults[1:]
		if !f.apply {
			return common.OrderResult{}, f.err
		}
		injected = &f
	}

	res, err := e.placeLocked(req)
	if injected != nil {
		return common.OrderResult{}, injected.err
	}
	return res, err
}

func (e *Exchange) placeLocked(req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{}, &common.APIError{Code: -4003, Msg: "Quantity less than or equal to zero.", Endpoint: "paper", Kind: common.ErrRejected}
	}
	if req.ClientID != "" {
		if _, dup := e.byClient[req.ClientID]; dup {
			return common.OrderResult{}, &common.APIError{Code: -4116, Msg: "ClientOrderId is duplicated.", Endpoint: "paper", Kind: common.ErrRejected}
		}
	}
	pos := e.positions[req.Symbol]
	if req.ReduceOnly && req.Type == common.OrderTypeMarket && !reduces(pos, req.Side) {
		return common.OrderResult{}, &common.APIError{Code: -2022, Msg: "ReduceOnly Order is rejected.", Endpoint: "paper", Kind: common.ErrRejected}
	}

	e.nextID++
	o := &order{id: strconv.FormatInt(e.nextID, 10), req: req, status: common.StatusNew}
	e.orders[o.id] = o
	if req.ClientID != "" {
		e.byClient[req.ClientID] = o
	}

	if req.Type == common.OrderTypeMarket {
		price, ok := e.prices.Get(req.Symbol)
		if !ok {
			o.status = common.StatusRejected
			return common.OrderResult{}, &common.APIError{Code: -1121, Msg: "no price for " + req.Symbol, Endpoint: "paper", Kind: common.ErrRejected}
		}
		e.fillLocked(o, e.slipped(price, req.Side))
	}
	return e.resultLocked(o), nil
}

func (e *Exchange) slipped(price float64, side common.Side) float64 {
	frac := e.cfg.SlippageBps / 10000.0
	if side == common.SideBuy {
		return price * (1 + frac)
	}
	return price * (1 - frac)
}

func reduces(pos *position, side common.Side) bool {
	if pos == nil || pos.qty == 0 {
		return false
	}
	return (pos.qty > 0 && side == common.SideSell) || (pos.qty < 0 && side == common.SideBuy)
}

func (e *Exchange) fillLocked(o *order, price float64) {
	qty := o.req.Qty
	pos := e.positions[o.req.Symbol]
	if pos == nil {
		pos = &position{}
		e.positions[o.req.Symbol] = pos
	}
	signed := qty
	if o.req.Side == common.SideSell {
		signed = -qty
	}
	if o.req.ReduceOnly {
		// Reduce-only never flips the position.
		if math.Abs(signed) > math.Abs(pos.qty) {
			signed = -pos.qty
			qty = math.Abs(signed)
		}
	}

	switch {
	case pos.qty == 0 || (pos.qty > 0) == (signed > 0):
		total := math.Abs(pos.qty)*pos.entry + qty*price
		pos.qty += signed
		if pos.qty != 0 {
			pos.entry = total / math.Abs(pos.qty)
		}
	default:
		closing := math.Min(math.Abs(signed), math.Abs(pos.qty))
		pnl := (price - pos.entry) * closing
		if pos.qty < 0 {
			pnl = -pnl
		}
		e.balance += pnl
		rest := math.Abs(signed) - closing
		pos.qty += signed
		if math.Abs(pos.qty) < 1e-12 {
			delete(e.positions, o.req.Symbol)
		} else if rest > 0 {
			pos.entry = price
		}
	}
	e.balance -= qty * price * e.cfg.FeeRate

	o.status = common.StatusFilled
	o.filled = qty
	o.avg = price
	e.log.Debug("paper fill",
		zap.String("symbol", o.req.Symbol),
		zap.String("side", string(o.req.Side)),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Float64("balance", e.balance),
	)
}

func (e *Exchange) resultLocked(o *order) common.OrderResult {
	return common.OrderResult{
		ExchangeOrderID: o.id,
		ClientID:        o.req.ClientID,
		Status:          o.status,
		FilledQty:       o.filled,
		AvgPrice:        o.avg,
	}
}

// CancelOrder cancels a resting order.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok || o.req.Symbol != symbol || o.status.IsTerminal() {
		return &common.APIError{Code: -2011, Msg: "Unknown order sent.", Endpoint: "paper", Kind: common.ErrUnknownOrder}
	}
	o.status = common.StatusCanceled
	return nil
}

// SetLeverage stores leverage; lowering it under an open position is refused.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return &common.APIError{Code: -4028, Msg: "Leverage is not valid", Endpoint: "paper", Kind: common.ErrRejected}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[symbol]; ok && pos.qty != 0 && leverage < e.leverage[symbol] {
		return &common.APIError{Code: -2027, Msg: "Exceeded the maximum allowable position at current leverage.", Endpoint: "paper", Kind: common.ErrRejected}
	}
	e.leverage[symbol] = leverage
	return nil
}

// Leverage returns the leverage last set for symbol.
func (e *Exchange) Leverage(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverage[symbol]
}

// GetOpenPositions lists non-flat positions.
func (e *Exchange) GetOpenPositions(ctx context.Context) ([]common.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Position, 0, len(e.positions))
	for sym, p := range e.positions {
		side := common.PositionLong
		if p.qty < 0 {
			side = common.PositionShort
		}
		mark, _ := e.prices.Get(sym)
		upnl := (mark - p.entry) * p.qty
		out = append(out, common.Position{
			Symbol:        sym,
			Side:          side,
			Size:          math.Abs(p.qty),
			EntryPrice:    p.entry,
			UnrealizedPnL: upnl,
			Leverage:      e.leverage[sym],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetOpenOrders lists resting orders.
func (e *Exchange) GetOpenOrders(ctx context.Context) ([]common.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []common.OpenOrder
	for _, o := range e.orders {
		if o.status.IsTerminal() {
			continue
		}
		out = append(out, common.OpenOrder{
			Symbol:          o.req.Symbol,
			ExchangeOrderID: o.id,
			ClientID:        o.req.ClientID,
			Side:            o.req.Side,
			Type:            o.req.Type,
			Qty:             o.req.Qty,
			Price:           o.req.Price,
			StopPrice:       o.req.StopPrice,
			ReduceOnly:      o.req.ReduceOnly,
			Status:          o.status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out, nil
}

// FindOrder looks an order up by client id.
func (e *Exchange) FindOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.byClient[clientID]
	if !ok || o.req.Symbol != symbol {
		return common.OrderResult{}, false, nil
	}
	return e.resultLocked(o), true, nil
}

// Filters returns configured constraints or permissive defaults.
func (e *Exchange) Filters(ctx context.Context, symbol string) (common.SymbolFilter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.filters[symbol]; ok {
		return f, nil
	}
	return common.SymbolFilter{Symbol: symbol, TickSize: 0.01, StepSize: 0.000001, MinQty: 0.000001}, nil
}

// OrderCount returns how many orders reached the book, including rejected fills.
func (e *Exchange) OrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

// Balance returns the simulated wallet balance.
func (e *Exchange) Balance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

// ClosePosition flattens symbol at the last price, as a manual close on the
// venue would.
func (e *Exchange) ClosePosition(symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return fmt.Errorf("no position for %s", symbol)
	}
	side := common.SideSell
	if pos.qty < 0 {
		side = common.SideBuy
	}
	_, err := e.placeLocked(common.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       common.OrderTypeMarket,
		Qty:        math.Abs(pos.qty),
		ReduceOnly: true,
	})
	return err
}

// Candles returns up to limit closed candles from history.
func (e *Exchange) Candles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if e.upstream != nil {
		out, err := e.upstream.Candles(ctx, symbol, interval, limit)
		if err != nil {
			return nil, err
		}
		if n := len(out); n > 0 {
			e.prices.Set(symbol, out[n-1].Close, out[n-1].OpenTime)
		}
		return out, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[seriesKey{symbol, interval}]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]common.Candle(nil), h...), nil
}

// SubscribeCandles streams closed candles for symbol/interval.
func (e *Exchange) SubscribeCandles(ctx context.Context, symbol, interval string) (<-chan common.Candle, error) {
	if e.upstream != nil {
		in, err := e.upstream.SubscribeCandles(ctx, symbol, interval)
		if err != nil {
			return nil, err
		}
		out := make(chan common.Candle, 64)
		go func() {
			defer close(out)
			for c := range in {
				e.observe(c)
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	ch := make(chan common.Candle, 64)
	key := seriesKey{symbol, interval}
	e.mu.Lock()
	e.subs[key] = append(e.subs[key], ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[key]
		for i, c := range list {
			if c == ch {
				e.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// PushCandle feeds a closed candle into the simulation: the price cache
// moves, resting stops trigger, history grows and subscribers receive it.
func (e *Exchange) PushCandle(c common.Candle) {
	c.Closed = true
	e.observe(c)

	e.mu.Lock()
	key := seriesKey{c.Symbol, c.Interval}
	h := append(e.history[key], c)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	e.history[key] = h
	subs := append([]chan common.Candle(nil), e.subs[key]...)
	e.mu.Unlock()

	for _, ch := range subs {
		// ch may be closed by a concurrent cancellation.
		func() {
			defer func() { _ = recover() }()
			ch <- c
		}()
	}
}

// SetPrice moves the last price and triggers stops as a one-tick candle would.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices.Update(symbol, price)
	e.triggerStopsLocked(symbol, price, price)
}

func (e *Exchange) observe(c common.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices.Set(c.Symbol, c.Close, c.OpenTime)
	e.triggerStopsLocked(c.Symbol, c.Low, c.High)
}

func (e *Exchange) triggerStopsLocked(symbol string, low, high float64) {
	ids := make([]string, 0)
	for id, o := range e.orders {
		if o.req.Symbol == symbol && o.req.Type == common.OrderTypeStopMarket && !o.status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := e.orders[id]
		hit := (o.req.Side == common.SideSell && low <= o.req.StopPrice) ||
			(o.req.Side == common.SideBuy && high >= o.req.StopPrice)
		if !hit {
			continue
		}
		if o.req.ReduceOnly && !reduces(e.positions[symbol], o.req.Side) {
			o.status = common.StatusExpired
			continue
		}
		e.fillLocked(o, o.req.StopPrice)
	}
}
