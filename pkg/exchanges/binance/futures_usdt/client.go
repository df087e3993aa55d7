package futures_usdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-engine/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64         // ms
	Timeout    time.Duration // per HTTP request

	// OnClockSync observes each server clock sync.
	OnClockSync func(offset, rtt time.Duration)
}

// codeTimestampOutside is Binance's reply to a timestamp outside recvWindow.
const codeTimestampOutside = -1021

// Client handles Binance USDT-M futures and implements common.Gateway.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	clock       *common.ServerClock
	rateLimiter *common.RateLimiter
	stream      *StreamClient
	log         *zap.Logger

	filtersMu sync.RWMutex
	filters   map[string]common.SymbolFilter
}

var _ common.Gateway = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		stream:     NewStreamClient(cfg.Testnet, log),
		log:        log,
		filters:    make(map[string]common.SymbolFilter),
	}
	c.clock = common.NewServerClock(c.GetServerTime, cfg.OnClockSync, log)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute, 20, log)
	return c
}

// StartClock keeps request timestamps aligned with the exchange clock.
func (c *Client) StartClock(ctx context.Context) {
	c.clock.Start(ctx)
}

func (c *Client) now() int64 {
	if c.clock.Synced() {
		return c.clock.NowMillis()
	}
	return time.Now().UnixMilli()
}

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return fmt.Errorf("binance usdt futures: API key/secret required: %w", common.ErrRejected)
	}
	return nil
}

// PlaceOrder submits an order. ClientID is sent as newClientOrderId.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "RESULT")

	switch req.Type {
	case common.OrderTypeLimit:
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	case common.OrderTypeStopMarket:
		params.Set("stopPrice", formatFloat(req.StopPrice))
		workingType := req.WorkingType
		if workingType == "" {
			workingType = "MARK_PRICE"
		}
		params.Set("workingType", workingType)
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// CancelOrder cancels an order by symbol and exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// FindOrder queries an order by its client id.
func (c *Client) FindOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, bool, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, false, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if errors.Is(err, common.ErrUnknownOrder) {
		return common.OrderResult{}, false, nil
	}
	if err != nil {
		return common.OrderResult{}, false, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, false, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), true, nil
}

// GetOpenPositions returns non-flat positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]common.Position, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, err
	}
	var raw []PositionRisk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(raw))
	for _, p := range raw {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := common.PositionLong
		if amt < 0 {
			side = common.PositionShort
			amt = -amt
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, common.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
			Leverage:      lev,
		})
	}
	return out, nil
}

// GetOpenOrders returns all resting orders on the account.
func (c *Client) GetOpenOrders(ctx context.Context) ([]common.OpenOrder, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", url.Values{})
	if err != nil {
		return nil, err
	}
	var raw []OpenOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, common.OpenOrder{
			Symbol:          o.Symbol,
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientID:        o.ClientOrderID,
			Side:            common.Side(strings.ToUpper(o.Side)),
			Type:            common.OrderType(strings.ToUpper(o.Type)),
			Qty:             parseFloat(o.OrigQty),
			Price:           parseFloat(o.Price),
			StopPrice:       parseFloat(o.StopPrice),
			ReduceOnly:      o.ReduceOnly,
			Status:          common.MapStatus(o.Status),
		})
	}
	return out, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// Filters returns tick/lot constraints, cached after the first exchangeInfo call.
func (c *Client) Filters(ctx context.Context, symbol string) (common.SymbolFilter, error) {
	c.filtersMu.RLock()
	f, ok := c.filters[symbol]
	c.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", url.Values{})
	if err != nil {
		return common.SymbolFilter{}, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.SymbolFilter{}, fmt.Errorf("decode exchange info: %w", err)
	}

	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	for _, s := range info.Symbols {
		c.filters[s.Symbol] = s.toFilter()
	}
	f, ok = c.filters[symbol]
	if !ok {
		return common.SymbolFilter{}, fmt.Errorf("symbol %s not listed: %w", symbol, common.ErrRejected)
	}
	return f, nil
}

// Candles fetches the most recent closed klines.
func (c *Client) Candles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		// One extra row: the last kline is usually still open.
		params.Set("limit", strconv.Itoa(limit+1))
	}
	body, err := c.doPublic(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	now := c.now()
	out := make([]common.Candle, 0, len(raw))
	for _, item := range raw {
		if len(item) < 7 {
			continue
		}
		k := common.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  toInt64(item[0]),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: toInt64(item[6]),
		}
		if k.CloseTime >= now {
			continue
		}
		k.Closed = true
		out = append(out, k)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SubscribeCandles streams closed klines, reconnecting on disconnect.
func (c *Client) SubscribeCandles(ctx context.Context, symbol, interval string) (<-chan common.Candle, error) {
	return c.stream.SubscribeKlines(ctx, symbol, interval)
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", url.Values{})
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.send(req, http.MethodGet, path)
}

// doSigned handles signing and sending requests.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(req, method, path)
}

func (c *Client) send(req *http.Request, method, path string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		// The request may have reached the matching engine.
		return nil, fmt.Errorf("binance usdt futures %s %s: %v: %w", method, path, err, common.ErrAmbiguous)
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		err := classifyResponse(method+" "+path, res.StatusCode, body)
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeTimestampOutside {
			c.clock.Resync()
		}
		return nil, err
	}
	return body, nil
}

// classifyResponse turns a non-2xx reply into a typed APIError.
func classifyResponse(endpoint string, status int, body []byte) error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)
	apiErr := &common.APIError{
		Status:   status,
		Code:     payload.Code,
		Msg:      payload.Msg,
		Endpoint: "binance usdt futures " + endpoint,
	}
	if apiErr.Msg == "" {
		apiErr.Msg = string(body)
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		apiErr.Kind = common.ErrTransient
	case payload.Code == -1003 || payload.Code == codeTimestampOutside:
		// Too many requests / timestamp outside recvWindow: never processed.
		apiErr.Kind = common.ErrTransient
	case payload.Code == -1007 || status >= 500:
		// Backend timeout: execution status unknown.
		apiErr.Kind = common.ErrAmbiguous
	case payload.Code == -2011 || payload.Code == -2013:
		apiErr.Kind = common.ErrUnknownOrder
	default:
		apiErr.Kind = common.ErrRejected
	}
	return apiErr
}
