package indicators

import (
	"errors"
	"fmt"

	"github.com/evdnx/goti"
)

// MinLength is the smallest Hull length with a non-empty half window.
const MinLength = 2

// ErrStaleCandle is returned for candles not newer than the last one accepted.
var ErrStaleCandle = errors.New("candle open time not after last accepted")

// Direction is the Hull slope direction.
type Direction int8

const (
	DirNone Direction = 0
	DirUp   Direction = 1
	DirDown Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirUp:
		return "up"
	case DirDown:
		return "down"
	default:
		return "initializing"
	}
}

// slope compares two consecutive Hull values.
func slope(prev, last float64) Direction {
	switch {
	case last > prev:
		return DirUp
	case last < prev:
		return DirDown
	}
	return DirNone
}

// Signal is emitted when the Hull slope changes sign.
type Signal struct {
	Direction Direction
	Value     float64
	Prev      float64
	OpenTime  int64
	Close     float64
}

// Hull tracks the slope of a goti Hull moving average over closed candles.
// The moving average itself lives in goti; Hull adds open time ordering and
// slope flip detection. A Hull is not safe for concurrent use.
type Hull struct {
	length int
	hma    *goti.HullMovingAverage

	last, prev float64
	values     int
	trend      Direction

	lastOpen int64
	started  bool
}

// NewHull builds a Hull of the given length.
func NewHull(length int) (*Hull, error) {
	h := &Hull{}
	if err := h.Reset(length); err != nil {
		return nil, err
	}
	return h, nil
}

// Reset drops all history and switches to a new length. The trend becomes
// uninitialized until the next slope or warm-up seeds it.
func (h *Hull) Reset(length int) error {
	if length < MinLength {
		return fmt.Errorf("hull length %d below %d", length, MinLength)
	}
	hma, err := goti.NewHullMovingAverageWithParams(length)
	if err != nil {
		return fmt.Errorf("hull length %d: %w", length, err)
	}
	*h = Hull{length: length, hma: hma}
	return nil
}

// Length returns the configured length.
func (h *Hull) Length() int { return h.length }

// Ready reports whether at least one Hull value exists.
func (h *Hull) Ready() bool { return h.values > 0 }

// Value returns the latest Hull value.
func (h *Hull) Value() float64 { return h.last }

// Trend returns the current slope direction, DirNone until seeded.
func (h *Hull) Trend() Direction { return h.trend }

// LastOpenTime returns the open time of the last accepted candle.
func (h *Hull) LastOpenTime() int64 { return h.lastOpen }

// Warm feeds history without emitting signals. Stale entries are skipped.
// Afterwards the trend follows the last non-flat slope of the history, so
// the first live candle can already flip it.
func (h *Hull) Warm(openTimes []int64, closes []float64) {
	for i := range closes {
		if h.started && openTimes[i] <= h.lastOpen {
			continue
		}
		ok, err := h.push(openTimes[i], closes[i])
		if err != nil || !ok || h.values < 2 {
			continue
		}
		if dir := slope(h.prev, h.last); dir != DirNone {
			h.trend = dir
		}
	}
	if h.trend == DirNone && h.values >= 2 {
		h.trend = DirDown
	}
}

// Seed sets the trend of an unseeded Hull, typically from the last signal
// persisted before a restart when no history could be loaded.
func (h *Hull) Seed(d Direction) {
	if h.trend == DirNone {
		h.trend = d
	}
}

// Update ingests a closed candle and reports a Signal on a slope flip.
func (h *Hull) Update(openTime int64, close float64) (Signal, bool, error) {
	if h.started && openTime <= h.lastOpen {
		return Signal{}, false, ErrStaleCandle
	}
	ok, err := h.push(openTime, close)
	if err != nil {
		return Signal{}, false, err
	}
	if !ok || h.values < 2 {
		return Signal{}, false, nil
	}

	dir := slope(h.prev, h.last)
	if h.trend == DirNone {
		// A flat first slope seeds down, so the next rise is a flip.
		h.trend = DirDown
		if dir == DirUp {
			h.trend = DirUp
		}
		return Signal{}, false, nil
	}
	if dir == DirNone || dir == h.trend {
		return Signal{}, false, nil
	}
	h.trend = dir
	return Signal{Direction: dir, Value: h.last, Prev: h.prev, OpenTime: openTime, Close: close}, true, nil
}

// push appends a close and reports whether a new Hull value was produced.
func (h *Hull) push(openTime int64, close float64) (bool, error) {
	if err := h.hma.Add(close); err != nil {
		return false, fmt.Errorf("hull add %v: %w", close, err)
	}
	h.started = true
	h.lastOpen = openTime
	v, err := h.hma.Calculate()
	if err != nil {
		// Not enough closes for a value yet.
		return false, nil
	}
	h.prev = h.last
	h.last = v
	h.values++
	return true, nil
}
