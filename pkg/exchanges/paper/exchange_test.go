package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"strategy-engine/pkg/exchanges/common"
)

func candle(sym string, open int64, o, h, l, c float64) common.Candle {
	return common.Candle{Symbol: sym, Interval: "4h", OpenTime: open, CloseTime: open + 1, Open: o, High: h, Low: l, Close: c}
}

func TestMarketFillAndStopTrigger(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{InitialBalance: 1000}, nil, nil)
	ex.PushCandle(candle("BTCUSDT", 1, 100, 100, 100, 100))

	res, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 2, ClientID: "entry-1"})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != common.StatusFilled || res.AvgPrice != 100 {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeStopMarket, Qty: 2, StopPrice: 98, ReduceOnly: true, ClientID: "sl-1"}); err != nil {
		t.Fatalf("stop PlaceOrder: %v", err)
	}
	open, _ := ex.GetOpenOrders(ctx)
	if len(open) != 1 || open[0].ClientID != "sl-1" {
		t.Fatalf("open orders=%+v", open)
	}

	ex.PushCandle(candle("BTCUSDT", 2, 100, 101, 97, 99))

	positions, _ := ex.GetOpenPositions(ctx)
	if len(positions) != 0 {
		t.Fatalf("positions=%+v, expected flat after stop", positions)
	}
	sl, found, _ := ex.FindOrder(ctx, "BTCUSDT", "sl-1")
	if !found || sl.Status != common.StatusFilled || sl.AvgPrice != 98 {
		t.Fatalf("stop=%+v found=%v", sl, found)
	}
	if got := ex.Balance(); got != 996 {
		t.Fatalf("Balance=%v, expected 996", got)
	}
}

func TestRejections(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{}, nil, nil)

	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1}); !errors.Is(err, common.ErrRejected) {
		t.Fatalf("no price err=%v", err)
	}
	ex.SetPrice("ETHUSDT", 10)
	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideSell, Type: common.OrderTypeMarket, Qty: 1, ReduceOnly: true}); !errors.Is(err, common.ErrRejected) {
		t.Fatalf("reduce-only without position err=%v", err)
	}
	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1, ClientID: "dup"}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1, ClientID: "dup"}); !errors.Is(err, common.ErrRejected) {
		t.Fatalf("duplicate client id err=%v", err)
	}
	if err := ex.CancelOrder(ctx, "ETHUSDT", "999"); !errors.Is(err, common.ErrUnknownOrder) {
		t.Fatalf("cancel unknown err=%v", err)
	}
}

func TestFailNextApplied(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{}, nil, nil)
	ex.SetPrice("BTCUSDT", 50)
	ex.FailNext(common.ErrAmbiguous, true)

	_, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1, ClientID: "tok"})
	if !errors.Is(err, common.ErrAmbiguous) {
		t.Fatalf("err=%v, expected ambiguous", err)
	}
	res, found, err := ex.FindOrder(ctx, "BTCUSDT", "tok")
	if err != nil || !found || res.Status != common.StatusFilled {
		t.Fatalf("FindOrder=%+v found=%v err=%v", res, found, err)
	}
	if ex.OrderCount() != 1 {
		t.Fatalf("OrderCount=%d, expected 1", ex.OrderCount())
	}
}

func TestLeverageDecreaseWithPosition(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{}, nil, nil)
	if err := ex.SetLeverage(ctx, "BTCUSDT", 5); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	ex.SetPrice("BTCUSDT", 100)
	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := ex.SetLeverage(ctx, "BTCUSDT", 2); !errors.Is(err, common.ErrRejected) {
		t.Fatalf("decrease err=%v, expected rejection", err)
	}
	if err := ex.SetLeverage(ctx, "BTCUSDT", 10); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if err := ex.SetLeverage(ctx, "BTCUSDT", 0); !errors.Is(err, common.ErrRejected) {
		t.Fatalf("zero leverage err=%v", err)
	}
}

func TestSubscribeAndHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := New(Config{}, nil, nil)

	ch, err := ex.SubscribeCandles(ctx, "BTCUSDT", "4h")
	if err != nil {
		t.Fatalf("SubscribeCandles: %v", err)
	}
	ex.PushCandle(candle("BTCUSDT", 1, 1, 1, 1, 1))
	ex.PushCandle(candle("BTCUSDT", 2, 2, 2, 2, 2))

	for want := int64(1); want <= 2; want++ {
		select {
		case c := <-ch:
			if c.OpenTime != want || !c.Closed {
				t.Fatalf("candle=%+v, expected open %d", c, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for candle %d", want)
		}
	}

	hist, _ := ex.Candles(ctx, "BTCUSDT", "4h", 1)
	if len(hist) != 1 || hist[0].OpenTime != 2 {
		t.Fatalf("history=%+v", hist)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}
