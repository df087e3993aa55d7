package indicators

import (
	"errors"
	"math"
	"testing"
)

func TestHullTracksLinearSeries(t *testing.T) {
	h, err := NewHull(4)
	if err != nil {
		t.Fatalf("NewHull: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if _, _, err := h.Update(int64(i), float64(i)); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if i == 1 && h.Ready() {
			t.Fatalf("Ready after a single close")
		}
	}
	if !h.Ready() {
		t.Fatalf("not Ready after 10 closes")
	}
	if math.Abs(h.Value()-10) > 1e-9 {
		t.Fatalf("Value=%v, expected 10", h.Value())
	}
	if h.Trend() != DirUp {
		t.Fatalf("Trend=%v, expected up", h.Trend())
	}
}

func TestHullRejectsStaleCandles(t *testing.T) {
	h, _ := NewHull(4)
	if _, _, err := h.Update(10, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	for _, open := range []int64{10, 9} {
		if _, _, err := h.Update(open, 2); !errors.Is(err, ErrStaleCandle) {
			t.Fatalf("open=%d err=%v, expected ErrStaleCandle", open, err)
		}
	}
	if h.LastOpenTime() != 10 {
		t.Fatalf("LastOpenTime=%d, expected 10", h.LastOpenTime())
	}
}

func TestHullFirstSlopeSeedsTrend(t *testing.T) {
	h, _ := NewHull(4)
	var signals int
	for i := 1; i <= 20; i++ {
		if _, ok, _ := h.Update(int64(i), float64(100-i)); ok {
			signals++
		}
	}
	if signals != 0 {
		t.Fatalf("signals=%d on a monotonic series, expected 0", signals)
	}
	if h.Trend() != DirDown {
		t.Fatalf("Trend=%v, expected down", h.Trend())
	}
}

func TestHullFlatSeriesNoSignal(t *testing.T) {
	h, _ := NewHull(9)
	for i := 1; i <= 50; i++ {
		if _, ok, _ := h.Update(int64(i), 42); ok {
			t.Fatalf("signal on flat series at %d", i)
		}
	}
}

func TestHullSignalsOnFlip(t *testing.T) {
	h, _ := NewHull(16)
	var got []Signal
	closes := vShape(40, 40)
	for i, c := range closes {
		sig, ok, err := h.Update(int64(i+1), c)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if ok {
			got = append(got, sig)
		}
	}
	if len(got) != 1 {
		t.Fatalf("signals=%d, expected exactly 1", len(got))
	}
	if got[0].Direction != DirUp || got[0].Value <= got[0].Prev {
		t.Fatalf("unexpected signal %+v", got[0])
	}
}

func TestHullDeterministic(t *testing.T) {
	closes := vShape(60, 60)
	run := func() ([]float64, []Signal) {
		h, _ := NewHull(21)
		var vals []float64
		var sigs []Signal
		for i, c := range closes {
			sig, ok, _ := h.Update(int64(i+1), c)
			vals = append(vals, h.Value())
			if ok {
				sigs = append(sigs, sig)
			}
		}
		return vals, sigs
	}
	v1, s1 := run()
	v2, s2 := run()
	for i := range v1 {
		if math.Float64bits(v1[i]) != math.Float64bits(v2[i]) {
			t.Fatalf("value %d differs: %v vs %v", i, v1[i], v2[i])
		}
	}
	if len(s1) != len(s2) {
		t.Fatalf("signal count differs: %d vs %d", len(s1), len(s2))
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("signal %d differs: %+v vs %+v", i, s1[i], s2[i])
		}
	}
}

func TestHullResetAndWarm(t *testing.T) {
	h, _ := NewHull(4)
	for i := 1; i <= 10; i++ {
		h.Update(int64(i), float64(i))
	}
	if err := h.Reset(1); err == nil {
		t.Fatalf("Reset(1) accepted")
	}
	if err := h.Reset(9); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.Ready() || h.Trend() != DirNone || h.Length() != 9 {
		t.Fatalf("Reset left state behind: ready=%v trend=%v", h.Ready(), h.Trend())
	}

	opens := make([]int64, 20)
	closes := make([]float64, 20)
	for i := range opens {
		opens[i] = int64(i + 1)
		closes[i] = float64(i + 1)
	}
	h.Warm(opens, closes)
	if !h.Ready() || h.Trend() != DirUp {
		t.Fatalf("Warm: ready=%v trend=%v, expected ready and up", h.Ready(), h.Trend())
	}
	sig, ok, err := h.Update(21, 5)
	if err != nil || !ok {
		t.Fatalf("first live update ok=%v err=%v, expected a flip", ok, err)
	}
	if sig.Direction != DirDown || h.Trend() != DirDown {
		t.Fatalf("signal=%+v trend=%v, expected down", sig, h.Trend())
	}
}

func TestHullWarmFollowsLastSlope(t *testing.T) {
	closes := vShape(40, 40)
	opens := make([]int64, len(closes))
	for i := range opens {
		opens[i] = int64(i + 1)
	}

	live, _ := NewHull(16)
	for i, c := range closes {
		live.Update(opens[i], c)
	}
	warmed, _ := NewHull(16)
	warmed.Warm(opens, closes)
	if warmed.Trend() != live.Trend() || warmed.Value() != live.Value() {
		t.Fatalf("warmed trend=%v value=%v, live trend=%v value=%v",
			warmed.Trend(), warmed.Value(), live.Trend(), live.Value())
	}

	// Warm skips what it already has.
	warmed.Warm(opens[:10], closes[:10])
	if warmed.LastOpenTime() != opens[len(opens)-1] {
		t.Fatalf("LastOpenTime=%d after re-warm", warmed.LastOpenTime())
	}
}

func TestHullSeedOnlyWhenUnseeded(t *testing.T) {
	h, _ := NewHull(4)
	h.Seed(DirUp)
	if h.Trend() != DirUp {
		t.Fatalf("Trend=%v, expected up", h.Trend())
	}
	h.Seed(DirDown)
	if h.Trend() != DirUp {
		t.Fatalf("Seed overwrote an existing trend")
	}
}

// vShape returns down descending closes followed by up ascending closes.
func vShape(down, up int) []float64 {
	out := make([]float64, 0, down+up)
	p := 1000.0
	for i := 0; i < down; i++ {
		p -= 5
		out = append(out, p)
	}
	for i := 0; i < up; i++ {
		p += 5
		out = append(out, p)
	}
	return out
}
