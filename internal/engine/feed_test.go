package engine

import (
	"context"
	"testing"
	"time"

	"strategy-engine/pkg/exchanges/common"
)

// scriptedMarket hands out the stream channels the test pushes into
// streams, one per subscription, and serves a fixed history.
type scriptedMarket struct {
	history []common.Candle
	streams chan chan common.Candle
}

func (m *scriptedMarket) SubscribeCandles(ctx context.Context, _, _ string) (<-chan common.Candle, error) {
	select {
	case ch := <-m.streams:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *scriptedMarket) Candles(_ context.Context, _, _ string, _ int) ([]common.Candle, error) {
	return append([]common.Candle(nil), m.history...), nil
}

func series(n int) []common.Candle {
	out := make([]common.Candle, n)
	for i := range out {
		out[i] = candle("BTCUSDT", "4h", i, 100+float64(i))
	}
	return out
}

func collect(t *testing.T, got <-chan common.Candle, n int) []common.Candle {
	t.Helper()
	var out []common.Candle
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case c := <-got:
			out = append(out, c)
		case <-deadline:
			t.Fatalf("delivered %d candles, expected %d", len(out), n)
		}
	}
	return out
}

func expectSequence(t *testing.T, got []common.Candle, want []common.Candle) {
	t.Helper()
	for i := range want {
		if got[i].OpenTime != want[i].OpenTime {
			t.Fatalf("candle %d open=%d, expected %d", i, got[i].OpenTime, want[i].OpenTime)
		}
	}
}

func TestFeedBackfillsAfterReconnect(t *testing.T) {
	hist := series(5)
	m := &scriptedMarket{history: hist[:4], streams: make(chan chan common.Candle)}
	got := make(chan common.Candle, 16)
	f := NewFeed(m, func(c common.Candle) { got <- c }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Acquire(ctx, "BTCUSDT", "4h")

	first := make(chan common.Candle, 1)
	m.streams <- first
	first <- hist[0]
	close(first)

	// Candles 1..3 closed while disconnected.
	second := make(chan common.Candle, 1)
	m.streams <- second
	second <- hist[4]

	expectSequence(t, collect(t, got, 5), hist)
	select {
	case c := <-got:
		t.Fatalf("unexpected extra candle %d", c.OpenTime)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedFillsGapInLiveStream(t *testing.T) {
	hist := series(6)
	m := &scriptedMarket{history: hist, streams: make(chan chan common.Candle)}
	got := make(chan common.Candle, 16)
	f := NewFeed(m, func(c common.Candle) { got <- c }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Acquire(ctx, "BTCUSDT", "4h")

	stream := make(chan common.Candle, 2)
	m.streams <- stream
	// The venue reconnected on its own and resumed at candle 5.
	stream <- hist[0]
	stream <- hist[5]

	expectSequence(t, collect(t, got, 6), hist)
}
