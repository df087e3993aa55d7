package strategy

import (
	"errors"
	"fmt"
	"math"

	"strategy-engine/pkg/exchanges/common"
)

// ErrStopWrongSide is returned when the stop level is not protective
// relative to the reference price.
var ErrStopWrongSide = errors.New("stop-loss on wrong side of price")

// SwingLookback is how many closed candles feed the swing level.
func SwingLookback(timeframe string) int {
	if timeframe == "1d" {
		return 20
	}
	return 50
}

// swingWindow keeps the lows and highs of the most recent candles.
type swingWindow struct {
	size  int
	lows  []float64
	highs []float64
}

func newSwingWindow(size int) *swingWindow {
	return &swingWindow{size: size}
}

func (w *swingWindow) push(low, high float64) {
	w.lows = append(w.lows, low)
	w.highs = append(w.highs, high)
	if len(w.lows) > w.size {
		w.lows = w.lows[len(w.lows)-w.size:]
		w.highs = w.highs[len(w.highs)-w.size:]
	}
}

func (w *swingWindow) lowest() (float64, bool) {
	if len(w.lows) == 0 {
		return 0, false
	}
	m := w.lows[0]
	for _, v := range w.lows[1:] {
		m = math.Min(m, v)
	}
	return m, true
}

func (w *swingWindow) highest() (float64, bool) {
	if len(w.highs) == 0 {
		return 0, false
	}
	m := w.highs[0]
	for _, v := range w.highs[1:] {
		m = math.Max(m, v)
	}
	return m, true
}

// StopLevel derives the stop price for a position of side entered near ref.
func StopLevel(p Params, side common.PositionSide, ref float64, w *swingWindow) (float64, error) {
	var stop float64
	switch p.StopLossMode {
	case StopPercent:
		off := p.StopLossOffsetPct / 100
		if side == common.PositionShort {
			stop = ref * (1 + off)
		} else {
			stop = ref * (1 - off)
		}
	case StopSwing, StopCandleClose:
		var ok bool
		if side == common.PositionShort {
			stop, ok = w.highest()
		} else {
			stop, ok = w.lowest()
		}
		if !ok {
			return 0, fmt.Errorf("no candle history for swing stop")
		}
	default:
		return 0, fmt.Errorf("unknown stop-loss mode %q", p.StopLossMode)
	}

	stop = RoundStopPrice(stop)
	if side == common.PositionLong && stop >= ref {
		return 0, fmt.Errorf("%w: stop %.6f >= price %.6f", ErrStopWrongSide, stop, ref)
	}
	if side == common.PositionShort && stop <= ref {
		return 0, fmt.Errorf("%w: stop %.6f <= price %.6f", ErrStopWrongSide, stop, ref)
	}
	return stop, nil
}

// RoundStopPrice rounds to 5 significant digits, then to at most 6 decimals.
// The coordinator snaps to the venue tick afterwards when one is known.
func RoundStopPrice(x float64) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	digits := 4 - int(math.Floor(math.Log10(math.Abs(x))))
	x = roundTo(x, digits)
	return roundTo(x, 6)
}

func roundTo(x float64, digits int) float64 {
	if digits >= 0 {
		p := math.Pow10(digits)
		return math.Round(x*p) / p
	}
	p := math.Pow10(-digits)
	return math.Round(x/p) * p
}

// candleCloseBreached reports whether a close went through the stop.
func candleCloseBreached(side common.PositionSide, stop, close float64) bool {
	if stop <= 0 {
		return false
	}
	if side == common.PositionShort {
		return close >= stop
	}
	return close <= stop
}
