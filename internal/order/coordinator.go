// Package order is the only path from strategies to the exchange. It
// persists an idempotency token before every placement, looks the token up
// after ambiguous failures instead of resubmitting blindly, and serializes
// calls per asset.
package order

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-engine/internal/events"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
)

// ErrExhausted is returned when retries ran out without a definite outcome.
var ErrExhausted = errors.New("retries exhausted")

// Order kinds recorded on intents.
const (
	KindEntry    = "entry"
	KindStopLoss = "stop_loss"
	KindClose    = "close"
)

// IntentStore persists idempotency tokens. *db.Database implements it.
type IntentStore interface {
	CreateIntent(ctx context.Context, in db.OrderIntent) error
	UpdateIntent(ctx context.Context, token, status, exchangeOrderID string, filledQty, avgPrice float64, lastErr string) error
	IncrementIntentAttempts(ctx context.Context, token string) error
}

// Request is an order a strategy wants on the book.
type Request struct {
	StrategyID string
	Token      string
	Kind       string
	Asset      string
	Side       common.Side
	Type       common.OrderType
	Qty        float64
	StopPrice  float64
	RefPrice   float64
	ReduceOnly bool
	Leverage   int
}

// Result is the settled outcome of a Request.
type Result struct {
	Token           string
	ExchangeOrderID string
	Status          common.OrderStatus
	FilledQty       float64
	AvgPrice        float64
	Qty             float64
	StopPrice       float64
	Adopted         bool
	Attempts        int
}

// Filled reports whether the order executed.
func (r Result) Filled() bool { return r.Status == common.StatusFilled }

// Coordinator executes orders against a Trader.
type Coordinator struct {
	gw      common.Trader
	store   IntentStore
	bus     *events.Bus
	log     *zap.Logger
	policy  RetryPolicy
	timeout time.Duration
	prefix  string

	mu       sync.Mutex
	assets   map[string]*sync.Mutex
	leverage map[string]int
	filters  map[string]common.SymbolFilter
	activity map[string]uint64

	rngMu sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// Options configures a Coordinator.
type Options struct {
	Policy     RetryPolicy
	Timeout    time.Duration // per network call
	NodePrefix string
	Bus        *events.Bus
	Log        *zap.Logger
}

// NewCoordinator wires a coordinator.
func NewCoordinator(gw common.Trader, store IntentStore, opts Options) *Coordinator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.NodePrefix == "" {
		opts.NodePrefix = "node00"
	}
	return &Coordinator{
		gw:       gw,
		store:    store,
		bus:      opts.Bus,
		log:      opts.Log.With(zap.String("component", "coordinator")),
		policy:   opts.Policy.normalized(),
		timeout:  opts.Timeout,
		prefix:   opts.NodePrefix,
		assets:   make(map[string]*sync.Mutex),
		leverage: make(map[string]int),
		filters:  make(map[string]common.SymbolFilter),
		activity: make(map[string]uint64),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

// NewToken returns a fresh idempotency token. The venue accepts at most 36
// characters from [.A-Z:/a-z0-9_-].
func (c *Coordinator) NewToken() string {
	id := uuid.New()
	return c.prefix + "-" + hex.EncodeToString(id[:12])
}

// Policy returns the injected retry policy.
func (c *Coordinator) Policy() RetryPolicy { return c.policy }

// Activity counts order traffic on asset. A change between two reads means
// an order was placed or cancelled in between.
func (c *Coordinator) Activity(asset string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity[asset]
}

func (c *Coordinator) touch(asset string) {
	c.mu.Lock()
	c.activity[asset]++
	c.mu.Unlock()
}

func (c *Coordinator) assetLock(asset string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.assets[asset]
	if !ok {
		m = &sync.Mutex{}
		c.assets[asset] = m
	}
	return m
}

func (c *Coordinator) backoff(ctx context.Context, attempt int) error {
	c.rngMu.Lock()
	d := c.policy.Delay(attempt, c.rng)
	c.rngMu.Unlock()
	return c.sleep(ctx, d)
}

func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(cctx)
}

// Filters returns the cached symbol filter for asset.
func (c *Coordinator) Filters(ctx context.Context, asset string) (common.SymbolFilter, error) {
	c.mu.Lock()
	f, ok := c.filters[asset]
	c.mu.Unlock()
	if ok {
		return f, nil
	}
	err := c.withRetry(ctx, "filters", func(ctx context.Context) error {
		var err error
		f, err = c.gw.Filters(ctx, asset)
		return err
	})
	if err != nil {
		return common.SymbolFilter{}, err
	}
	c.mu.Lock()
	c.filters[asset] = f
	c.mu.Unlock()
	return f, nil
}

// withRetry runs an idempotent call, retrying retryable failures.
func (c *Coordinator) withRetry(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		err = c.call(ctx, fn)
		if err == nil || !common.Classify(err).Retryable() {
			return err
		}
		c.log.Warn("retrying exchange call", zap.String("call", what), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == c.policy.MaxAttempts {
			break
		}
		if serr := c.backoff(ctx, attempt); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%s: %w: %w", what, ErrExhausted, err)
}

// EnsureLeverage sets leverage for asset unless it is already applied.
func (c *Coordinator) EnsureLeverage(ctx context.Context, asset string, leverage int) error {
	lock := c.assetLock(asset)
	lock.Lock()
	defer lock.Unlock()
	return c.ensureLeverageLocked(ctx, asset, leverage)
}

func (c *Coordinator) ensureLeverageLocked(ctx context.Context, asset string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	c.mu.Lock()
	current := c.leverage[asset]
	c.mu.Unlock()
	if current == leverage {
		return nil
	}
	err := c.withRetry(ctx, "set leverage", func(ctx context.Context) error {
		return c.gw.SetLeverage(ctx, asset, leverage)
	})
	if err != nil {
		return fmt.Errorf("set leverage %dx on %s: %w", leverage, asset, err)
	}
	c.mu.Lock()
	c.leverage[asset] = leverage
	c.mu.Unlock()
	c.log.Info("leverage applied", zap.String("asset", asset), zap.Int("leverage", leverage))
	return nil
}

// AppliedLeverage returns the last leverage set for asset, 0 if none.
func (c *Coordinator) AppliedLeverage(asset string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leverage[asset]
}

// Submit places req exactly once per token. The token is stored before the
// first network call; after an ambiguous failure the exchange is asked for
// the token before anything is resent.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Result, error) {
	if req.Token == "" {
		req.Token = c.NewToken()
	}
	log := c.log.With(
		zap.String("strategy", req.StrategyID),
		zap.String("token", req.Token),
		zap.String("asset", req.Asset),
		zap.String("kind", req.Kind),
	)

	filter, err := c.Filters(ctx, req.Asset)
	if err != nil {
		return Result{Token: req.Token}, fmt.Errorf("load filters for %s: %w", req.Asset, err)
	}
	orderReq, err := Normalize(common.OrderRequest{
		Symbol:      req.Asset,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		StopPrice:   req.StopPrice,
		ClientID:    req.Token,
		ReduceOnly:  req.ReduceOnly,
		WorkingType: workingType(req.Type),
	}, filter, req.RefPrice)
	if err != nil {
		c.publish(events.EventOrderRejected, req, Result{Token: req.Token}, 0, err)
		return Result{Token: req.Token}, err
	}

	if err := c.store.CreateIntent(ctx, db.OrderIntent{
		Token:      req.Token,
		StrategyID: req.StrategyID,
		Asset:      req.Asset,
		Kind:       req.Kind,
		Side:       string(orderReq.Side),
		OrderType:  string(orderReq.Type),
		Qty:        orderReq.Qty,
		StopPrice:  orderReq.StopPrice,
		ReduceOnly: orderReq.ReduceOnly,
	}); err != nil {
		return Result{Token: req.Token}, fmt.Errorf("persist intent: %w", err)
	}

	start := time.Now()
	lock := c.assetLock(req.Asset)
	var (
		lastErr    error
		mustLookup bool
	)
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		res, done, err := c.attempt(ctx, lock, req, orderReq, attempt, mustLookup, log)
		if done {
			res.Attempts = attempt
			res.Qty = orderReq.Qty
			res.StopPrice = orderReq.StopPrice
			if err == nil {
				c.publish(events.EventOrderFilled, req, res, time.Since(start), nil)
			}
			return res, err
		}
		lastErr = err
		if common.Classify(err) == common.KindAmbiguous {
			mustLookup = true
		}
		c.publish(events.EventOrderRetried, req, Result{Token: req.Token}, 0, err)
		if attempt == c.policy.MaxAttempts {
			break
		}
		if serr := c.backoff(ctx, attempt); serr != nil {
			lastErr = serr
			break
		}
	}

	status := db.IntentRejected
	if mustLookup {
		// The order may exist; reconciliation resolves the token later.
		status = db.IntentUnknown
	}
	_ = c.store.UpdateIntent(context.WithoutCancel(ctx), req.Token, status, "", 0, 0, errString(lastErr))
	err = fmt.Errorf("%s order %s: %w: %w", req.Kind, req.Token, ErrExhausted, lastErr)
	c.publish(events.EventOrderRejected, req, Result{Token: req.Token}, 0, err)
	log.Error("order outcome unresolved", zap.Error(err), zap.Bool("may_exist", mustLookup))
	return Result{Token: req.Token, Status: common.StatusUnknown}, err
}

// attempt runs one placement under the asset lock. done is true when the
// outcome is definite, either success or rejection.
func (c *Coordinator) attempt(ctx context.Context, lock *sync.Mutex, req Request, orderReq common.OrderRequest, attempt int, mustLookup bool, log *zap.Logger) (Result, bool, error) {
	lock.Lock()
	defer lock.Unlock()
	defer c.touch(req.Asset)

	if mustLookup {
		var (
			found bool
			res   common.OrderResult
		)
		err := c.call(ctx, func(ctx context.Context) error {
			var err error
			res, found, err = c.gw.FindOrder(ctx, req.Asset, req.Token)
			return err
		})
		if err != nil {
			// Still unknown; never resend while the token might exist.
			return Result{}, false, fmt.Errorf("lookup %s: %w", req.Token, common.ErrAmbiguous)
		}
		if found {
			log.Info("adopted order found by token", zap.String("order_id", res.ExchangeOrderID))
			out := c.settle(ctx, req, res, log)
			out.Adopted = true
			c.publish(events.EventOrderAdopted, req, out, 0, nil)
			return out, true, nil
		}
	}

	if req.Leverage > 0 {
		if err := c.ensureLeverageLocked(ctx, req.Asset, req.Leverage); err != nil {
			if common.Classify(err) == common.KindRejected || errors.Is(err, ErrExhausted) {
				return c.reject(ctx, req, err), true, err
			}
			return Result{}, false, err
		}
	}

	_ = c.store.IncrementIntentAttempts(ctx, req.Token)
	if attempt == 1 {
		c.publish(events.EventOrderSubmitted, req, Result{Token: req.Token}, 0, nil)
	}
	var res common.OrderResult
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.gw.PlaceOrder(ctx, orderReq)
		return err
	})
	if err == nil {
		return c.settle(ctx, req, res, log), true, nil
	}

	switch kind := common.Classify(err); kind {
	case common.KindRejected:
		log.Warn("order rejected", zap.Error(err))
		return c.reject(ctx, req, err), true, err
	default:
		log.Warn("order attempt failed", zap.Int("attempt", attempt), zap.Stringer("kind", kind), zap.Error(err))
		return Result{}, false, err
	}
}

func (c *Coordinator) reject(ctx context.Context, req Request, err error) Result {
	_ = c.store.UpdateIntent(context.WithoutCancel(ctx), req.Token, db.IntentRejected, "", 0, 0, errString(err))
	res := Result{Token: req.Token, Status: common.StatusRejected}
	c.publish(events.EventOrderRejected, req, res, 0, err)
	return res
}

// settle records the exchange state of an accepted order. Market orders
// acknowledged before execution are polled briefly for their fill.
func (c *Coordinator) settle(ctx context.Context, req Request, res common.OrderResult, log *zap.Logger) Result {
	if req.Type == common.OrderTypeMarket && !res.Status.IsTerminal() {
		for i := 1; i <= 3 && !res.Status.IsTerminal(); i++ {
			if c.backoff(ctx, i) != nil {
				break
			}
			_ = c.call(ctx, func(ctx context.Context) error {
				got, found, err := c.gw.FindOrder(ctx, req.Asset, req.Token)
				if err == nil && found {
					res = got
				}
				return err
			})
		}
	}
	status := intentStatus(res.Status)
	if err := c.store.UpdateIntent(context.WithoutCancel(ctx), req.Token, status, res.ExchangeOrderID, res.FilledQty, res.AvgPrice, ""); err != nil {
		log.Error("failed to record order outcome", zap.Error(err))
	}
	return Result{
		Token:           req.Token,
		ExchangeOrderID: res.ExchangeOrderID,
		Status:          res.Status,
		FilledQty:       res.FilledQty,
		AvgPrice:        res.AvgPrice,
	}
}

// CancelResult reports how a cancel ended.
type CancelResult struct {
	Cancelled bool
	// AlreadyFilled is set when the order executed before the cancel landed.
	AlreadyFilled bool
	FillPrice     float64
}

// Cancel removes a resting order. An order the exchange no longer knows is
// looked up by token so a stop that already fired is reported as filled.
func (c *Coordinator) Cancel(ctx context.Context, strategyID, asset, exchangeOrderID, token string) (CancelResult, error) {
	lock := c.assetLock(asset)
	lock.Lock()
	defer lock.Unlock()
	defer c.touch(asset)

	err := c.withRetry(ctx, "cancel", func(ctx context.Context) error {
		return c.gw.CancelOrder(ctx, asset, exchangeOrderID)
	})
	if err == nil {
		if token != "" {
			_ = c.store.UpdateIntent(context.WithoutCancel(ctx), token, db.IntentCanceled, exchangeOrderID, 0, 0, "")
		}
		return CancelResult{Cancelled: true}, nil
	}
	if !errors.Is(err, common.ErrUnknownOrder) || token == "" {
		return CancelResult{}, err
	}

	var (
		res   common.OrderResult
		found bool
	)
	lerr := c.withRetry(ctx, "lookup", func(ctx context.Context) error {
		var err error
		res, found, err = c.gw.FindOrder(ctx, asset, token)
		return err
	})
	if lerr != nil {
		return CancelResult{}, lerr
	}
	if found && res.Status == common.StatusFilled {
		_ = c.store.UpdateIntent(context.WithoutCancel(ctx), token, db.IntentFilled, res.ExchangeOrderID, res.FilledQty, res.AvgPrice, "")
		return CancelResult{AlreadyFilled: true, FillPrice: res.AvgPrice}, nil
	}
	_ = c.store.UpdateIntent(context.WithoutCancel(ctx), token, db.IntentCanceled, exchangeOrderID, 0, 0, "")
	return CancelResult{Cancelled: true}, nil
}

// Lookup asks the exchange for an order by token.
func (c *Coordinator) Lookup(ctx context.Context, asset, token string) (common.OrderResult, bool, error) {
	var (
		res   common.OrderResult
		found bool
	)
	err := c.withRetry(ctx, "lookup", func(ctx context.Context) error {
		var err error
		res, found, err = c.gw.FindOrder(ctx, asset, token)
		return err
	})
	return res, found, err
}

// Positions snapshots open positions for reconciliation.
func (c *Coordinator) Positions(ctx context.Context) ([]common.Position, error) {
	var out []common.Position
	err := c.withRetry(ctx, "positions", func(ctx context.Context) error {
		var err error
		out, err = c.gw.GetOpenPositions(ctx)
		return err
	})
	return out, err
}

// OpenOrders snapshots resting orders for reconciliation.
func (c *Coordinator) OpenOrders(ctx context.Context) ([]common.OpenOrder, error) {
	var out []common.OpenOrder
	err := c.withRetry(ctx, "open orders", func(ctx context.Context) error {
		var err error
		out, err = c.gw.GetOpenOrders(ctx)
		return err
	})
	return out, err
}

func (c *Coordinator) publish(e events.Event, req Request, res Result, latency time.Duration, err error) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(e, events.OrderPayload{
		StrategyID: req.StrategyID,
		Token:      req.Token,
		Asset:      req.Asset,
		Kind:       req.Kind,
		Side:       string(req.Side),
		Qty:        req.Qty,
		Price:      res.AvgPrice,
		Status:     string(res.Status),
		Attempt:    res.Attempts,
		Latency:    latency,
		Error:      errString(err),
	})
}

func intentStatus(s common.OrderStatus) string {
	switch s {
	case common.StatusFilled:
		return db.IntentFilled
	case common.StatusCanceled, common.StatusExpired:
		return db.IntentCanceled
	case common.StatusRejected:
		return db.IntentRejected
	case common.StatusNew, common.StatusPartial:
		return db.IntentSubmitted
	default:
		return db.IntentUnknown
	}
}

func workingType(t common.OrderType) string {
	if t == common.OrderTypeStopMarket {
		return "MARK_PRICE"
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
