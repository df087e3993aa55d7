package futures_usdt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"strategy-engine/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c := NewClient(Config{APIKey: "k", APISecret: "s"}, nil)
	c.baseURL = ts.URL
	return c
}

func TestPlaceOrderSendsClientID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Header.Get("X-MBX-APIKEY") != "k" {
			t.Errorf("missing api key header")
		}
		if r.PostForm.Get("signature") == "" {
			t.Errorf("missing signature")
		}
		if got := r.PostForm.Get("newClientOrderId"); got != "abc-123" {
			t.Errorf("newClientOrderId=%q", got)
		}
		if r.PostForm.Get("reduceOnly") != "true" || r.PostForm.Get("stopPrice") != "95000" {
			t.Errorf("stop order params not forwarded: %v", r.PostForm)
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"abc-123","status":"NEW","executedQty":"0","avgPrice":"0"}`)
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       common.SideSell,
		Type:       common.OrderTypeStopMarket,
		Qty:        0.01,
		StopPrice:  95000,
		ClientID:   "abc-123",
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.ExchangeOrderID != "42" || res.Status != common.StatusNew {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFindOrderUnknownIsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2013,"msg":"Order does not exist."}`)
	})
	_, found, err := c.FindOrder(context.Background(), "BTCUSDT", "tok")
	if err != nil {
		t.Fatalf("FindOrder: %v", err)
	}
	if found {
		t.Fatalf("expected not found")
	}
}

func TestTimestampRejectionResyncsClock(t *testing.T) {
	var timeHits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			timeHits.Add(1)
			fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartClock(ctx)
	initial := timeHits.Load()

	_, _, err := c.FindOrder(ctx, "BTCUSDT", "tok")
	if !errors.Is(err, common.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for timeHits.Load() <= initial {
		if time.Now().After(deadline) {
			t.Fatal("clock was not resynced after -1021")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limit", 429, `{"code":-1003,"msg":"too many"}`, common.ErrTransient},
		{"clock skew", 400, `{"code":-1021,"msg":"ts"}`, common.ErrTransient},
		{"backend timeout", 400, `{"code":-1007,"msg":"unknown"}`, common.ErrAmbiguous},
		{"server", 502, `bad gateway`, common.ErrAmbiguous},
		{"margin", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, common.ErrRejected},
		{"cancel unknown", 400, `{"code":-2011,"msg":"Unknown order sent."}`, common.ErrUnknownOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyResponse("POST /fapi/v1/order", tt.status, []byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, expected kind %v", err, tt.want)
			}
		})
	}
}

func TestCandlesDropsOpenKline(t *testing.T) {
	closedOpen := time.Now().Add(-2 * time.Hour).UnixMilli()
	closedClose := time.Now().Add(-time.Hour).UnixMilli() - 1
	liveOpen := time.Now().Add(-time.Hour).UnixMilli()
	liveClose := time.Now().Add(time.Hour).UnixMilli()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[[%d,"1","2","0.5","1.5","10",%d],[%d,"1.5","2","1","1.8","5",%d]]`,
			closedOpen, closedClose, liveOpen, liveClose)
	})
	candles, err := c.Candles(context.Background(), "BTCUSDT", "1h", 10)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("got %d candles, expected 1 closed candle", len(candles))
	}
	if candles[0].Close != 1.5 || !candles[0].Closed {
		t.Fatalf("unexpected candle %+v", candles[0])
	}
}

func TestFiltersParsesExchangeInfo(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`)
	})
	f, err := c.Filters(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Filters: %v", err)
	}
	if f.TickSize != 0.1 || f.StepSize != 0.001 || f.MinNotional != 100 {
		t.Fatalf("unexpected filter %+v", f)
	}
	if _, err := c.Filters(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("cached Filters: %v", err)
	}
	if calls != 1 {
		t.Fatalf("exchangeInfo called %d times, expected 1", calls)
	}
	if _, err := c.Filters(context.Background(), "NOPEUSDT"); !errors.Is(err, common.ErrRejected) {
		t.Fatalf("unknown symbol err=%v", err)
	}
}

func TestParseKlineMessage(t *testing.T) {
	msg := []byte(`{"e":"kline","k":{"t":1000,"T":1999,"s":"ETHUSDT","i":"4h","o":"10","c":"11","h":"12","l":"9","v":"100","x":true}}`)
	k, err := parseKlineMessage(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !k.Closed || k.Symbol != "ETHUSDT" || k.Close != 11 || k.OpenTime != 1000 {
		t.Fatalf("unexpected kline %+v", k)
	}
	if _, err := parseKlineMessage([]byte(`{"result":null,"id":1}`)); err == nil {
		t.Fatalf("expected error for non-kline message")
	}
}

func TestMissingKeysRejected(t *testing.T) {
	c := NewClient(Config{}, nil)
	if _, err := c.GetOpenPositions(context.Background()); !errors.Is(err, common.ErrRejected) {
		t.Fatalf("err=%v, expected rejection", err)
	}
}
