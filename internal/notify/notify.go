// Package notify delivers operator notifications without blocking the
// trading path. Events go through a bounded queue; a full queue drops the
// event and a failing sink is logged and skipped.
package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind classifies a notification.
type Kind string

const (
	EntryOpened Kind = "EntryOpened"
	ExitClosed  Kind = "ExitClosed"
	Errored     Kind = "Errored"
	Reconciled  Kind = "Reconciled"
	StopLossHit Kind = "StopLossHit"
	Info        Kind = "Info"
)

// Event is one notification.
type Event struct {
	Kind       Kind              `json:"kind"`
	StrategyID string            `json:"strategy_id,omitempty"`
	Asset      string            `json:"asset,omitempty"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	At         time.Time         `json:"at"`
}

// Text renders the event for chat sinks.
func (e Event) Text() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Kind) + "]")
	if e.StrategyID != "" {
		b.WriteString(" " + e.StrategyID)
	}
	if e.Asset != "" {
		b.WriteString(" " + e.Asset)
	}
	b.WriteString("\n" + e.Message)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + e.Fields[k])
	}
	return b.String()
}

// Notifier accepts events fire-and-forget.
type Notifier interface {
	Notify(e Event)
}

// Sink delivers a single event somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(Event) {}

// Dispatcher fans events out to sinks from a single goroutine.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	dropped int
	done    chan struct{}
}

// NewDispatcher builds a dispatcher with a queue of size events.
func NewDispatcher(size int, log *zap.Logger, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 128
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, size),
		timeout: 10 * time.Second,
		log:     log.With(zap.String("component", "notify")),
		done:    make(chan struct{}),
	}
}

// Notify enqueues e. It never blocks.
func (d *Dispatcher) Notify(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.dropped++
		d.log.Warn("notification queue full, dropping", zap.String("kind", string(e.Kind)), zap.String("strategy", e.StrategyID))
	}
}

// Dropped returns how many events were discarded on a full queue.
func (d *Dispatcher) Dropped() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped
}

// Start delivers queued events until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for e := range d.queue {
			d.deliver(ctx, e)
		}
	}()
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		if err := s.Send(sctx, e); err != nil {
			d.log.Warn("notification sink failed", zap.String("sink", s.Name()), zap.String("kind", string(e.Kind)), zap.Error(err))
		}
		cancel()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	Log *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, e Event) error {
	if s.Log == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("strategy", e.StrategyID),
		zap.String("asset", e.Asset),
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}
	s.Log.Info(e.Message, fields...)
	return nil
}
