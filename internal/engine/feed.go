package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/exchanges/common"
)

const (
	feedMinBackoff = time.Second
	feedMaxBackoff = time.Minute
	backfillLimit  = 500
)

// Feed keeps one candle subscription per (asset, timeframe) alive while
// at least one strategy needs it.
type Feed struct {
	market  common.MarketData
	deliver func(common.Candle)
	log     *zap.Logger

	mu      sync.Mutex
	streams map[seriesKey]*feedStream
}

type feedStream struct {
	refs   int
	cancel context.CancelFunc
}

// NewFeed builds a feed that hands closed candles to deliver.
func NewFeed(market common.MarketData, deliver func(common.Candle), log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		market:  market,
		deliver: deliver,
		log:     log.With(zap.String("component", "feed")),
		streams: make(map[seriesKey]*feedStream),
	}
}

// Acquire adds a reference to the series, subscribing on the first one.
func (f *Feed) Acquire(ctx context.Context, asset, timeframe string) {
	if f.market == nil {
		return
	}
	key := seriesKey{asset, timeframe}
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.streams[key]; ok {
		st.refs++
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	f.streams[key] = &feedStream{refs: 1, cancel: cancel}
	go f.run(sctx, key)
}

// Release drops a reference and unsubscribes when none are left.
func (f *Feed) Release(asset, timeframe string) {
	key := seriesKey{asset, timeframe}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.streams[key]
	if !ok {
		return
	}
	st.refs--
	if st.refs <= 0 {
		st.cancel()
		delete(f.streams, key)
	}
}

// Active lists subscribed series.
func (f *Feed) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.streams))
	for k := range f.streams {
		out = append(out, k.String())
	}
	return out
}

// run subscribes and resubscribes with capped backoff until ctx ends.
// Candles that closed while the stream was down are fetched from history,
// both after a resubscribe and when a live candle skips ahead.
func (f *Feed) run(ctx context.Context, key seriesKey) {
	log := f.log.With(zap.String("series", key.String()))
	step := strategy.Timeframes[key.timeframe].Milliseconds()
	var last int64
	backoff := feedMinBackoff
	for {
		ch, err := f.market.SubscribeCandles(ctx, key.asset, key.timeframe)
		if err != nil {
			log.Warn("candle subscription failed", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			log.Info("candle subscription started")
			if last > 0 {
				last = f.backfill(ctx, key, last, log)
			}
			for c := range ch {
				backoff = feedMinBackoff
				if !c.Closed {
					continue
				}
				c = key.fill(c)
				if last > 0 && step > 0 && c.OpenTime-last > step {
					last = f.backfill(ctx, key, last, log)
				}
				if c.OpenTime <= last {
					continue
				}
				f.deliver(c)
				last = c.OpenTime
			}
			if ctx.Err() != nil {
				log.Info("candle subscription stopped")
				return
			}
			log.Warn("candle stream ended, resubscribing", zap.Duration("retry_in", backoff))
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > feedMaxBackoff {
			backoff = feedMaxBackoff
		}
	}
}

// backfill delivers closed candles newer than since, oldest first, and
// returns the newest open time delivered.
func (f *Feed) backfill(ctx context.Context, key seriesKey, since int64, log *zap.Logger) int64 {
	candles, err := f.market.Candles(ctx, key.asset, key.timeframe, backfillLimit)
	if err != nil {
		log.Warn("candle backfill failed", zap.Error(err))
		return since
	}
	n := 0
	for _, c := range candles {
		if !c.Closed || c.OpenTime <= since {
			continue
		}
		f.deliver(key.fill(c))
		since = c.OpenTime
		n++
	}
	if n > 0 {
		log.Info("candles backfilled", zap.Int("count", n), zap.Int64("through", since))
	}
	return since
}

// fill names the series on candles that arrive without it.
func (k seriesKey) fill(c common.Candle) common.Candle {
	if c.Symbol == "" {
		c.Symbol = k.asset
	}
	if c.Interval == "" {
		c.Interval = k.timeframe
	}
	return c
}
