package strategy

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"strategy-engine/internal/indicators"
	"strategy-engine/pkg/exchanges/common"
)

func mustNew(t *testing.T, p Params) *Strategy {
	t.Helper()
	s, err := New("s-1", p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func bar(open int64, close float64) common.Candle {
	return common.Candle{Symbol: "BTCUSDT", Interval: "4h", OpenTime: open, Open: close, High: close + 1, Low: close - 1, Close: close, Closed: true}
}

// vCloses descends for down bars, then ascends for up bars.
func vCloses(down, up int) []float64 {
	out := make([]float64, 0, down+up)
	p := 30000.0
	for i := 0; i < down; i++ {
		p -= 100
		out = append(out, p)
	}
	for i := 0; i < up; i++ {
		p += 100
		out = append(out, p)
	}
	return out
}

func TestNormalizeDefaults(t *testing.T) {
	p := Params{Asset: " btcusdt ", Timeframe: "4h"}
	if err := p.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if p.Asset != "BTCUSDT" || p.Length != DefaultLength || p.TradeSizeQuote != DefaultTradeSizeQuote ||
		p.Leverage != DefaultLeverage || p.Direction != DirectionLong || p.StopLossOffsetPct != DefaultStopOffsetPct {
		t.Fatalf("unexpected defaults %+v", p)
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"no asset", Params{Timeframe: "4h"}},
		{"bad timeframe", Params{Asset: "BTCUSDT", Timeframe: "3h"}},
		{"length", Params{Asset: "BTCUSDT", Timeframe: "4h", Length: 1}},
		{"size", Params{Asset: "BTCUSDT", Timeframe: "4h", TradeSizeQuote: -5}},
		{"leverage", Params{Asset: "BTCUSDT", Timeframe: "4h", Leverage: 200}},
		{"direction", Params{Asset: "BTCUSDT", Timeframe: "4h", Direction: "sideways"}},
		{"mode", Params{Asset: "BTCUSDT", Timeframe: "4h", StopLossMode: "trailing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Normalize(); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("err=%v, expected ErrInvalidParams", err)
			}
		})
	}
}

func TestLongOnlyEntersOnceOnUpCross(t *testing.T) {
	s := mustNew(t, Params{Asset: "BTCUSDT", Timeframe: "4h", Length: 34, TradeSizeQuote: 100})

	var opens []Action
	for i, c := range vCloses(80, 60) {
		act, err := s.Decide(bar(int64(i+1), c))
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if act.Kind == ActClose {
			t.Fatalf("close action while flat at bar %d", i)
		}
		if act.Kind != ActOpen {
			continue
		}
		if i < 80 {
			t.Fatalf("entry during descent at bar %d", i)
		}
		opens = append(opens, act)
		if err := s.BeginEntry("tok", act); err != nil {
			t.Fatalf("BeginEntry: %v", err)
		}
	}
	if len(opens) != 1 {
		t.Fatalf("entries=%d, expected 1", len(opens))
	}
	act := opens[0]
	if act.Side != common.PositionLong {
		t.Fatalf("Side=%s, expected LONG", act.Side)
	}
	if math.Abs(act.Qty-100/act.RefPrice) > 1e-12 {
		t.Fatalf("Qty=%v, expected %v", act.Qty, 100/act.RefPrice)
	}
	if s.State != StateEntryPending {
		t.Fatalf("State=%s, expected EntryPending", s.State)
	}
}

func TestBothReversesAfterClose(t *testing.T) {
	s := mustNew(t, Params{Asset: "BTCUSDT", Timeframe: "4h", Length: 16, TradeSizeQuote: 100, Direction: DirectionBoth})
	closes := vCloses(40, 40)
	for i := 0; i < 30; i++ {
		p := closes[len(closes)-1] - float64(100*(i+1))
		closes = append(closes, p)
	}

	var sides []common.PositionSide
	for i, c := range closes {
		act, err := s.Decide(bar(int64(i+1), c))
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		switch act.Kind {
		case ActOpen:
			if err := s.BeginEntry("entry", act); err != nil {
				t.Fatalf("BeginEntry: %v", err)
			}
			if err := s.EntryFilled(Fill{Qty: act.Qty, Price: c}); err != nil {
				t.Fatalf("EntryFilled: %v", err)
			}
			sides = append(sides, act.Side)
		case ActClose:
			if err := s.BeginExit("exit", act); err != nil {
				t.Fatalf("BeginExit: %v", err)
			}
			if _, err := s.ExitFilled(Fill{Qty: act.Qty, Price: c}); err != nil {
				t.Fatalf("ExitFilled: %v", err)
			}
			next, err := s.FollowUp(act)
			if err != nil {
				t.Fatalf("FollowUp: %v", err)
			}
			if next.Kind != ActOpen {
				t.Fatalf("no reversal after %s closed at bar %d", act.Side, i)
			}
			if err := s.BeginEntry("reverse", next); err != nil {
				t.Fatalf("BeginEntry: %v", err)
			}
			if err := s.EntryFilled(Fill{Qty: next.Qty, Price: c}); err != nil {
				t.Fatalf("EntryFilled: %v", err)
			}
			sides = append(sides, next.Side)
		}
	}
	if len(sides) < 2 || sides[0] != common.PositionLong || sides[1] != common.PositionShort {
		t.Fatalf("sides=%v, expected LONG then SHORT", sides)
	}
	if s.State != StateInPosition || s.Position.Side != common.PositionShort {
		t.Fatalf("state=%s position=%+v, expected short", s.State, s.Position)
	}
}

func TestFollowUpLongOnlyStaysFlat(t *testing.T) {
	s := mustNew(t, Params{Asset: "BTCUSDT", Timeframe: "4h", Length: 16, TradeSizeQuote: 100})
	closed := Action{Kind: ActClose, Side: common.PositionLong, RefPrice: 100,
		Signal: indicators.Signal{Direction: indicators.DirDown}}
	next, err := s.FollowUp(closed)
	if err != nil || next.Kind != ActNone {
		t.Fatalf("FollowUp=%v err=%v, expected none for long-only", next.Kind, err)
	}
	stop := Action{Kind: ActClose, Side: common.PositionLong, RefPrice: 100, Reason: "stop_loss"}
	if next, _ := s.FollowUp(stop); next.Kind != ActNone {
		t.Fatalf("stop close chained an entry")
	}
}

func TestShortDirectionMapping(t *testing.T) {
	tests := []struct {
		dir  Direction
		sig  indicators.Direction
		side common.PositionSide
		ok   bool
	}{
		{DirectionLong, indicators.DirUp, common.PositionLong, true},
		{DirectionLong, indicators.DirDown, "", false},
		{DirectionShort, indicators.DirDown, common.PositionShort, true},
		{DirectionShort, indicators.DirUp, "", false},
		{DirectionBoth, indicators.DirUp, common.PositionLong, true},
		{DirectionBoth, indicators.DirDown, common.PositionShort, true},
	}
	for _, tt := range tests {
		side, ok := entrySide(tt.dir, tt.sig)
		if side != tt.side || ok != tt.ok {
			t.Fatalf("entrySide(%s,%s)=%s,%v expected %s,%v", tt.dir, tt.sig, side, ok, tt.side, tt.ok)
		}
	}
	if !exitsOn(common.PositionLong, indicators.DirDown) || exitsOn(common.PositionLong, indicators.DirUp) {
		t.Fatalf("long exit mapping wrong")
	}
	if !exitsOn(common.PositionShort, indicators.DirUp) {
		t.Fatalf("short exit mapping wrong")
	}
}

func TestLifecycle(t *testing.T) {
	s := mustNew(t, Params{Asset: "BTCUSDT", Timeframe: "4h", StopLossEnabled: true})

	if err := s.BeginExit("x", Action{}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("exit from Idle err=%v", err)
	}
	if err := s.BeginEntry("e1", Action{Kind: ActOpen, Side: common.PositionLong, Qty: 0.01, RefPrice: 100, StopPrice: 98}); err != nil {
		t.Fatalf("BeginEntry: %v", err)
	}
	if err := s.BeginEntry("e2", Action{}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second entry err=%v, expected illegal", err)
	}
	if err := s.EntryFilled(Fill{Token: "e1", OrderID: "1", Qty: 0.01, Price: 200}); err != nil {
		t.Fatalf("EntryFilled: %v", err)
	}
	if s.State != StateInPosition || s.Position.EntryToken != "e1" {
		t.Fatalf("after fill state=%s pos=%+v", s.State, s.Position)
	}
	if s.Position.StopPrice != 196 {
		t.Fatalf("StopPrice=%v, expected percent stop from fill 196", s.Position.StopPrice)
	}
	if !s.NeedsRestingStop() {
		t.Fatalf("expected resting stop needed")
	}
	s.StopPlaced("sl1", "2", 196)
	if s.NeedsRestingStop() {
		t.Fatalf("stop already placed")
	}

	if err := s.BeginExit("c1", Action{RefPrice: 210, Reason: "signal down"}); err != nil {
		t.Fatalf("BeginExit: %v", err)
	}
	trade, err := s.ExitFilled(Fill{Token: "c1", Qty: 0.01, Price: 210})
	if err != nil {
		t.Fatalf("ExitFilled: %v", err)
	}
	if s.State != StateIdle || s.Position != nil || s.Pending != nil {
		t.Fatalf("after exit state=%s pos=%v pending=%v", s.State, s.Position, s.Pending)
	}
	if math.Abs(trade.PnL-0.1) > 1e-9 || trade.Reason != "signal down" {
		t.Fatalf("trade=%+v, expected pnl 0.1", trade)
	}
}

func TestStopFilledExternally(t *testing.T) {
	s := mustNew(t, Params{Asset: "BTCUSDT", Timeframe: "4h", StopLossEnabled: true})
	_ = s.BeginEntry("e1", Action{Side: common.PositionLong, Qty: 1, RefPrice: 100})
	_ = s.EntryFilled(Fill{Qty: 1, Price: 100})
	s.StopPlaced("sl1", "7", 98)

	trade, ok := s.ClosedExternally(98, "sl1", "stop_loss")
	if !ok {
		t.Fatalf("expected trade")
	}
	if s.State != StateIdle || s.Position != nil {
		t.Fatalf("state=%s pos=%v", s.State, s.Position)
	}
	if math.Abs(trade.PnL+2) > 1e-9 || trade.ExitToken != "sl1" {
		t.Fatalf("trade=%+v", trade)
	}
	if _, ok := s.ClosedExternally(98, "sl1", "stop_loss"); ok {
		t.Fatalf("second external close produced a trade")
	}
}

func TestCandleCloseStop(t *testing.T) {
	s := mustNew(t, Params{Asset: "BTCUSDT", Timeframe: "4h", Length: 4, StopLossEnabled: true, StopLossMode: StopCandleClose})
	_ = s.BeginEntry("e1", Action{Side: common.PositionLong, Qty: 1, RefPrice: 100, StopPrice: 95})
	_ = s.EntryFilled(Fill{Qty: 1, Price: 100})
	if s.NeedsRestingStop() {
		t.Fatalf("candle-close mode must not rest a stop")
	}

	act, _ := s.Decide(bar(1, 96))
	if act.Kind != ActNone {
		t.Fatalf("action %v above stop", act.Kind)
	}
	act, _ = s.Decide(bar(2, 95))
	if act.Kind != ActClose || act.Reason != "stop_loss" {
		t.Fatalf("action=%+v, expected stop close", act)
	}
}

func TestMutationsQueueWhilePending(t *testing.T) {
	s := mustNew(t, Params{Asset: "BTCUSDT", Timeframe: "4h", Length: 20})
	if _, err := s.Mutate(Mutation{Kind: MutateLength, Int: 1}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("err=%v, expected invalid", err)
	}

	applied, err := s.Mutate(Mutation{Kind: MutateSize, Float: 50})
	if err != nil || !applied || s.Params.TradeSizeQuote != 50 {
		t.Fatalf("immediate mutate applied=%v err=%v size=%v", applied, err, s.Params.TradeSizeQuote)
	}

	_ = s.BeginEntry("e1", Action{Side: common.PositionLong, Qty: 1, RefPrice: 100})
	applied, err = s.Mutate(Mutation{Kind: MutateLength, Int: 40})
	if err != nil || applied {
		t.Fatalf("pending mutate applied=%v err=%v", applied, err)
	}
	if s.Params.Length != 20 || len(s.Queued) != 1 {
		t.Fatalf("length=%d queued=%d", s.Params.Length, len(s.Queued))
	}
	_ = s.EntryFailed()
	if s.Params.Length != 40 || len(s.Queued) != 0 || !s.NeedsWarm() {
		t.Fatalf("after drain length=%d queued=%d warm=%v", s.Params.Length, len(s.Queued), s.NeedsWarm())
	}
	if s.Hull().Trend() != indicators.DirNone {
		t.Fatalf("length change must reset trend")
	}
}

func TestFailAndResume(t *testing.T) {
	s := mustNew(t, Params{Asset: "BTCUSDT", Timeframe: "4h"})
	if err := s.Resume(); !errors.Is(err, ErrNotErrored) {
		t.Fatalf("err=%v", err)
	}
	_ = s.BeginEntry("e1", Action{Side: common.PositionLong, Qty: 1, RefPrice: 100})
	_ = s.EntryFilled(Fill{Qty: 1, Price: 100})
	s.Fail("stop-loss placement failed")

	if act, _ := s.Decide(bar(1, 10)); act.Kind != ActNone {
		t.Fatalf("errored strategy acted: %v", act.Kind)
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.State != StateInPosition || s.ErrorReason != "" {
		t.Fatalf("state=%s reason=%q", s.State, s.ErrorReason)
	}
}

func TestStopLevel(t *testing.T) {
	w := newSwingWindow(3)
	for _, hl := range [][2]float64{{90, 110}, {85, 120}, {95, 105}, {88, 101}} {
		w.push(hl[0], hl[1])
	}
	tests := []struct {
		name string
		mode StopLossMode
		side common.PositionSide
		ref  float64
		want float64
		err  error
	}{
		{"percent long", StopPercent, common.PositionLong, 100, 98, nil},
		{"percent short", StopPercent, common.PositionShort, 100, 102, nil},
		{"swing long", StopSwing, common.PositionLong, 100, 85, nil},
		{"swing short", StopSwing, common.PositionShort, 100, 120, nil},
		{"swing long above price", StopSwing, common.PositionLong, 80, 0, ErrStopWrongSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{StopLossMode: tt.mode, StopLossOffsetPct: 2}
			got, err := StopLevel(p, tt.side, tt.ref, w)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("err=%v, expected %v", err, tt.err)
				}
				return
			}
			if err != nil || math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("StopLevel=%v err=%v, expected %v", got, err, tt.want)
			}
		})
	}
}

func TestRoundStopPrice(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{63123.456, 63123},
		{1.23456789, 1.2346},
		{0.000123456, 0.000123},
		{0, 0},
	}
	for _, tt := range tests {
		if got := RoundStopPrice(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Fatalf("RoundStopPrice(%v)=%v, expected %v", tt.in, got, tt.want)
		}
	}
}

func TestRealizedPnL(t *testing.T) {
	if got := RealizedPnL(common.PositionLong, 100, 110, 2); math.Abs(got-20) > 1e-9 {
		t.Fatalf("long pnl=%v", got)
	}
	if got := RealizedPnL(common.PositionShort, 100, 110, 2); math.Abs(got+20) > 1e-9 {
		t.Fatalf("short pnl=%v", got)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	s := mustNew(t, Params{Asset: "ETHUSDT", Timeframe: "1h", Direction: DirectionBoth, StopLossEnabled: true, StopLossMode: StopSwing})
	_ = s.BeginEntry("e1", Action{Side: common.PositionShort, Qty: 2, RefPrice: 100, StopPrice: 105})
	_, _ = s.Mutate(Mutation{Kind: MutateLeverage, Int: 3})

	rec, err := s.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	back, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if back.State != StateEntryPending || back.Pending == nil || back.Pending.Token != "e1" {
		t.Fatalf("restored state=%s pending=%+v", back.State, back.Pending)
	}
	if len(back.Queued) != 1 || back.Params.Direction != DirectionBoth || !back.NeedsWarm() {
		t.Fatalf("restored %+v", back.Summary())
	}

	rec.State = "Weird"
	if _, err := FromRecord(rec); err == nil {
		t.Fatalf("unknown state accepted")
	}
}

func TestLoadSeeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	body := `
strategies:
  - id: a
    asset: btcusdt
    timeframe: 4h
    length: 34
    trade_size: 15
  - id: b
    asset: ETHUSDT
    timeframe: 1d
    direction: short
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	seeds, err := LoadSeeds(path)
	if err != nil {
		t.Fatalf("LoadSeeds: %v", err)
	}
	if len(seeds) != 2 || seeds[0].Asset != "BTCUSDT" || seeds[0].Length != 34 || seeds[0].TradeSizeQuote != 15 {
		t.Fatalf("seeds=%+v", seeds)
	}
	if seeds[1].Direction != DirectionShort || seeds[1].Length != DefaultLength {
		t.Fatalf("seed b=%+v", seeds[1])
	}

	if got, err := LoadSeeds(filepath.Join(dir, "missing.yaml")); err != nil || got != nil {
		t.Fatalf("missing file seeds=%v err=%v", got, err)
	}

	dup := "strategies:\n  - {id: x, asset: A, timeframe: 4h}\n  - {id: x, asset: B, timeframe: 4h}\n"
	_ = os.WriteFile(path, []byte(dup), 0o600)
	if _, err := LoadSeeds(path); err == nil {
		t.Fatalf("duplicate ids accepted")
	}
}
