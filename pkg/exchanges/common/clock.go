package common

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	clockSamples  = 3
	clockInterval = 30 * time.Minute
	// Samples slower than this say more about the network than the clock.
	clockMaxRTT = 2 * time.Second
)

// ErrClockUnreliable is returned when no sample of a sync was usable.
var ErrClockUnreliable = errors.New("server clock: no usable sample")

// ServerClock tracks the offset between the local clock and a venue's
// clock so signed requests carry timestamps inside the venue's window.
// Each sync keeps the sample with the shortest round trip.
type ServerClock struct {
	fetch  func(ctx context.Context) (int64, error)
	onSync func(offset, rtt time.Duration)
	log    *zap.Logger
	local  func() time.Time
	kick   chan struct{}

	mu       sync.RWMutex
	offset   time.Duration
	rtt      time.Duration
	lastSync time.Time
}

// NewServerClock builds a clock that reads server milliseconds via fetch.
// onSync, when set, observes every successful sync.
func NewServerClock(fetch func(ctx context.Context) (int64, error), onSync func(offset, rtt time.Duration), log *zap.Logger) *ServerClock {
	if log == nil {
		log = zap.NewNop()
	}
	return &ServerClock{
		fetch:  fetch,
		onSync: onSync,
		log:    log,
		local:  time.Now,
		kick:   make(chan struct{}, 1),
	}
}

// Start syncs once, then every interval and on Resync, until ctx ends.
func (c *ServerClock) Start(ctx context.Context) {
	if err := c.Sync(ctx); err != nil {
		c.log.Warn("initial clock sync failed", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(clockInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-c.kick:
			}
			if err := c.Sync(ctx); err != nil {
				c.log.Warn("clock sync failed", zap.Error(err))
			}
		}
	}()
}

// Resync asks the background loop for an early sync, typically after the
// venue rejected a timestamp.
func (c *ServerClock) Resync() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Sync samples the server clock and adopts the offset of the fastest
// round trip.
func (c *ServerClock) Sync(ctx context.Context) error {
	var (
		best    time.Duration
		bestRTT = time.Duration(-1)
		lastErr error
	)
	for i := 0; i < clockSamples; i++ {
		before := c.local()
		server, err := c.fetch(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		after := c.local()
		rtt := after.Sub(before)
		if rtt > clockMaxRTT {
			continue
		}
		mid := before.Add(rtt / 2)
		if bestRTT < 0 || rtt < bestRTT {
			bestRTT = rtt
			best = time.UnixMilli(server).Sub(mid)
		}
	}
	if bestRTT < 0 {
		if lastErr != nil {
			return lastErr
		}
		return ErrClockUnreliable
	}

	c.mu.Lock()
	c.offset = best
	c.rtt = bestRTT
	c.lastSync = c.local()
	c.mu.Unlock()

	if c.onSync != nil {
		c.onSync(best, bestRTT)
	}
	c.log.Debug("server clock synced",
		zap.Duration("offset", best),
		zap.Duration("rtt", bestRTT),
	)
	return nil
}

// Synced reports whether at least one sync succeeded.
func (c *ServerClock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.lastSync.IsZero()
}

// Offset returns server minus local time.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// NowMillis returns the estimated server time in milliseconds.
func (c *ServerClock) NowMillis() int64 {
	return c.local().Add(c.Offset()).UnixMilli()
}
