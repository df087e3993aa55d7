package reconciliation

import (
	"context"
	"testing"
	"time"

	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
)

type fakeExchange struct {
	positions []common.Position
	orders    []common.OpenOrder
	byToken   map[string]common.OrderResult
	lookups   int
}

func (f *fakeExchange) Positions(context.Context) ([]common.Position, error) { return f.positions, nil }
func (f *fakeExchange) OpenOrders(context.Context) ([]common.OpenOrder, error) {
	return f.orders, nil
}
func (f *fakeExchange) Lookup(_ context.Context, _, token string) (common.OrderResult, bool, error) {
	f.lookups++
	r, ok := f.byToken[token]
	return r, ok, nil
}

func newTestService(t *testing.T, ex *fakeExchange) (*Service, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return NewService(ex, database, nil), database
}

func TestCheck(t *testing.T) {
	long := &strategy.Position{Side: common.PositionLong, Size: 0.2, EntryPrice: 100, EntryToken: "e1", StopToken: "sl1", StopOrderID: "7"}
	btcPos := common.Position{Symbol: "BTCUSDT", Side: common.PositionLong, Size: 0.2}

	tests := []struct {
		name    string
		ex      *fakeExchange
		holding Holding
		want    Kind
	}{
		{
			name:    "stop filled while away",
			ex:      &fakeExchange{byToken: map[string]common.OrderResult{"sl1": {Status: common.StatusFilled, AvgPrice: 98, FilledQty: 0.2}}},
			holding: Holding{StrategyID: "s1", Asset: "BTCUSDT", State: strategy.StateInPosition, Position: long},
			want:    StopFilled,
		},
		{
			name:    "manual close",
			ex:      &fakeExchange{orders: []common.OpenOrder{{ClientID: "sl1"}}},
			holding: Holding{StrategyID: "s1", Asset: "BTCUSDT", State: strategy.StateInPosition, Position: long},
			want:    ClosedExternally,
		},
		{
			name:    "stop cancelled by hand",
			ex:      &fakeExchange{positions: []common.Position{btcPos}, byToken: map[string]common.OrderResult{"sl1": {Status: common.StatusCanceled}}},
			holding: Holding{StrategyID: "s1", Asset: "BTCUSDT", State: strategy.StateInPosition, Position: long},
			want:    StopMissing,
		},
		{
			name: "entry filled before crash",
			ex: &fakeExchange{positions: []common.Position{btcPos},
				byToken: map[string]common.OrderResult{"e2": {Status: common.StatusFilled, AvgPrice: 101, FilledQty: 0.2, ExchangeOrderID: "9"}}},
			holding: Holding{StrategyID: "s1", Asset: "BTCUSDT", State: strategy.StateEntryPending,
				Pending: &strategy.PendingOrder{Token: "e2", Kind: strategy.KindEntry, Side: common.PositionLong}},
			want: EntryFilled,
		},
		{
			name: "entry never reached exchange",
			ex:   &fakeExchange{},
			holding: Holding{StrategyID: "s1", Asset: "BTCUSDT", State: strategy.StateEntryPending,
				Pending: &strategy.PendingOrder{Token: "e3", Kind: strategy.KindEntry, Side: common.PositionLong}},
			want: EntryMissing,
		},
		{
			name: "close lost but position gone",
			ex:   &fakeExchange{},
			holding: Holding{StrategyID: "s1", Asset: "BTCUSDT", State: strategy.StateExitPending, Position: long,
				Pending: &strategy.PendingOrder{Token: "c1", Kind: strategy.KindClose, Side: common.PositionLong}},
			want: ClosedExternally,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, tt.ex)
			snap, err := svc.Snapshot(context.Background())
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			got, err := svc.Check(context.Background(), tt.holding, snap)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if len(got) != 1 || got[0].Kind != tt.want {
				t.Fatalf("findings=%+v, expected one %s", got, tt.want)
			}
		})
	}
}

func TestCheckInSync(t *testing.T) {
	ex := &fakeExchange{
		positions: []common.Position{{Symbol: "BTCUSDT", Side: common.PositionLong, Size: 0.2}},
		orders:    []common.OpenOrder{{ClientID: "sl1"}},
	}
	svc, _ := newTestService(t, ex)
	snap, _ := svc.Snapshot(context.Background())
	got, err := svc.Check(context.Background(), Holding{StrategyID: "s1", Asset: "BTCUSDT",
		Position: &strategy.Position{Side: common.PositionLong, Size: 0.2, StopToken: "sl1"}}, snap)
	if err != nil || len(got) != 0 {
		t.Fatalf("findings=%+v err=%v, expected none", got, err)
	}
	if ex.lookups != 0 {
		t.Fatalf("lookups=%d, expected 0 when the stop rests", ex.lookups)
	}
}

func TestCheckOpposingStrategiesNetFlat(t *testing.T) {
	svc, _ := newTestService(t, &fakeExchange{})
	snap, _ := svc.Snapshot(context.Background())
	holdings := []Holding{
		{StrategyID: "s-long", Asset: "BTCUSDT", State: strategy.StateInPosition,
			Position: &strategy.Position{Side: common.PositionLong, Size: 0.2, EntryToken: "e1"}},
		{StrategyID: "s-short", Asset: "BTCUSDT", State: strategy.StateInPosition,
			Position: &strategy.Position{Side: common.PositionShort, Size: 0.2, EntryToken: "e2"}},
	}
	snap.Claim(holdings)
	for _, h := range holdings {
		got, err := svc.Check(context.Background(), h, snap)
		if err != nil || len(got) != 0 {
			t.Fatalf("%s findings=%+v err=%v, expected none while the asset nets flat", h.StrategyID, got, err)
		}
	}

	// Only one of them left: flat now means closed.
	snap.Claim(holdings[:1])
	got, err := svc.Check(context.Background(), holdings[0], snap)
	if err != nil || len(got) != 1 || got[0].Kind != ClosedExternally {
		t.Fatalf("findings=%+v err=%v, expected closed_externally", got, err)
	}
}

func TestAggregate(t *testing.T) {
	svc, _ := newTestService(t, &fakeExchange{})
	snap := Snapshot{Positions: map[string]common.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: common.PositionLong, Size: 0.1},
		"ETHUSDT": {Symbol: "ETHUSDT", Side: common.PositionShort, Size: 1},
		"SOLUSDT": {Symbol: "SOLUSDT", Side: common.PositionLong, Size: 3},
	}}
	holdings := []Holding{
		{StrategyID: "a", Asset: "BTCUSDT", Position: &strategy.Position{Side: common.PositionLong, Size: 0.3}},
		{StrategyID: "b", Asset: "BTCUSDT", Position: &strategy.Position{Side: common.PositionShort, Size: 0.2}},
		{StrategyID: "c", Asset: "ETHUSDT", Position: &strategy.Position{Side: common.PositionLong, Size: 1}},
	}
	got := svc.Aggregate(holdings, snap)
	if len(got) != 2 {
		t.Fatalf("findings=%+v, expected 2", got)
	}
	if got[0].Kind != SizeMismatch || got[0].Asset != "ETHUSDT" {
		t.Fatalf("first finding %+v, expected ETH size mismatch", got[0])
	}
	if got[1].Kind != OrphanPosition || got[1].Asset != "SOLUSDT" {
		t.Fatalf("second finding %+v, expected SOL orphan", got[1])
	}
}

func TestRecordOnce(t *testing.T) {
	svc, _ := newTestService(t, &fakeExchange{})
	f := Finding{Key: "stop_filled:s1:sl1", Kind: StopFilled, StrategyID: "s1", Asset: "BTCUSDT"}
	first, err := svc.Record(context.Background(), f)
	if err != nil || !first {
		t.Fatalf("first Record=%v err=%v", first, err)
	}
	again, err := svc.Record(context.Background(), f)
	if err != nil || again {
		t.Fatalf("second Record=%v err=%v, expected false", again, err)
	}
}

func TestResolveIntents(t *testing.T) {
	ex := &fakeExchange{byToken: map[string]common.OrderResult{"t1": {Status: common.StatusFilled, ExchangeOrderID: "5", FilledQty: 1, AvgPrice: 10}}}
	svc, database := newTestService(t, ex)
	svc.IntentGrace = 0
	ctx := context.Background()
	for _, tok := range []string{"t1", "t2", "busy"} {
		if err := database.CreateIntent(ctx, db.OrderIntent{Token: tok, StrategyID: "s1", Asset: "BTCUSDT", Kind: "entry", Side: "BUY", OrderType: "MARKET", Qty: 1}); err != nil {
			t.Fatalf("CreateIntent: %v", err)
		}
	}
	time.Sleep(time.Millisecond)
	n, err := svc.ResolveIntents(ctx, Snapshot{}, map[string]bool{"busy": true})
	if err != nil {
		t.Fatalf("ResolveIntents: %v", err)
	}
	if n != 2 {
		t.Fatalf("resolved=%d, expected 2", n)
	}
	if in, _ := database.GetIntent(ctx, "t1"); in.Status != db.IntentFilled {
		t.Fatalf("t1 status=%s", in.Status)
	}
	if in, _ := database.GetIntent(ctx, "t2"); in.Status != db.IntentCanceled {
		t.Fatalf("t2 status=%s", in.Status)
	}
	if in, _ := database.GetIntent(ctx, "busy"); in.Status != db.IntentPending {
		t.Fatalf("busy status=%s", in.Status)
	}
}
