package common

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedServer answers clock samples with fixed round trips and offsets
// against a manual local clock.
type scriptedServer struct {
	now     time.Time
	rtts    []time.Duration
	offsets []time.Duration
	calls   int
}

func (s *scriptedServer) fetch(context.Context) (int64, error) {
	i := s.calls % len(s.rtts)
	s.calls++
	s.now = s.now.Add(s.rtts[i] / 2)
	server := s.now.Add(s.offsets[i])
	s.now = s.now.Add(s.rtts[i] / 2)
	return server.UnixMilli(), nil
}

func TestServerClockKeepsFastestSample(t *testing.T) {
	srv := &scriptedServer{
		now:     time.UnixMilli(1_700_000_000_000),
		rtts:    []time.Duration{300 * time.Millisecond, 40 * time.Millisecond, 900 * time.Millisecond},
		offsets: []time.Duration{5 * time.Second, 2 * time.Second, 9 * time.Second},
	}
	var observed time.Duration
	c := NewServerClock(srv.fetch, func(offset, _ time.Duration) { observed = offset }, nil)
	c.local = func() time.Time { return srv.now }

	if c.Synced() {
		t.Fatal("clock synced before any sample")
	}
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := c.Offset(); got != 2*time.Second {
		t.Fatalf("offset=%v, expected 2s from the 40ms sample", got)
	}
	if observed != 2*time.Second {
		t.Fatalf("observer saw %v", observed)
	}
	if got, want := c.NowMillis(), srv.now.Add(2*time.Second).UnixMilli(); got != want {
		t.Fatalf("NowMillis=%d, expected %d", got, want)
	}
}

func TestServerClockRejectsSlowSamples(t *testing.T) {
	srv := &scriptedServer{
		now:     time.UnixMilli(1_700_000_000_000),
		rtts:    []time.Duration{3 * time.Second},
		offsets: []time.Duration{time.Second},
	}
	c := NewServerClock(srv.fetch, nil, nil)
	c.local = func() time.Time { return srv.now }
	if err := c.Sync(context.Background()); !errors.Is(err, ErrClockUnreliable) {
		t.Fatalf("expected ErrClockUnreliable, got %v", err)
	}
	if c.Synced() || c.Offset() != 0 {
		t.Fatal("slow samples must not move the clock")
	}
}

func TestServerClockReturnsFetchError(t *testing.T) {
	boom := errors.New("unreachable")
	c := NewServerClock(func(context.Context) (int64, error) { return 0, boom }, nil, nil)
	if err := c.Sync(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestServerClockResyncTriggersSync(t *testing.T) {
	var calls atomic.Int32
	fetch := func(context.Context) (int64, error) {
		calls.Add(1)
		return time.Now().Add(time.Second).UnixMilli(), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewServerClock(fetch, nil, nil)
	c.Start(ctx)
	if got := calls.Load(); got != clockSamples {
		t.Fatalf("initial sync took %d samples", got)
	}

	c.Resync()
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2*clockSamples {
		if time.Now().After(deadline) {
			t.Fatalf("Resync did not sync again, samples=%d", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
