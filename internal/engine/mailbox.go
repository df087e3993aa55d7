package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"strategy-engine/internal/strategy"
)

const inboxSize = 256

type job struct {
	name string
	fn   func(ctx context.Context, s *strategy.Strategy) error
	done chan error
}

// runner serializes everything that touches one strategy.
type runner struct {
	id        string
	asset     string
	timeframe string
	s         *strategy.Strategy

	inbox    chan job
	stop     chan struct{}
	stopOnce sync.Once
	summary  atomic.Pointer[strategy.Summary]
	// retired is set by the job that removes the strategy; the loop
	// exits after replying to it.
	retired atomic.Bool
}

func newRunner(s *strategy.Strategy) *runner {
	rn := &runner{
		id:        s.ID,
		asset:     s.Params.Asset,
		timeframe: s.Params.Timeframe,
		s:         s,
		inbox:     make(chan job, inboxSize),
		stop:      make(chan struct{}),
	}
	rn.refresh()
	return rn
}

func (rn *runner) refresh() {
	sum := rn.s.Summary()
	rn.summary.Store(&sum)
}

func (rn *runner) close() {
	rn.stopOnce.Do(func() { close(rn.stop) })
}

// loop processes jobs until the runner is closed or ctx ends.
func (r *Registry) loop(ctx context.Context, rn *runner) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rn.stop:
			return
		case j := <-rn.inbox:
			err := r.runJob(ctx, rn, j)
			if j.done != nil {
				j.done <- err
			}
			if rn.retired.Load() {
				rn.close()
				return
			}
		}
	}
}

// runJob executes j under the worker semaphore. A panic freezes only this
// strategy.
func (r *Registry) runJob(ctx context.Context, rn *runner, j job) (err error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.sem }()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("strategy job panicked",
				zap.String("strategy", rn.id),
				zap.String("job", j.name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			from := rn.s.State
			rn.s.Fail(fmt.Sprintf("panic during %s: %v", j.name, p))
			r.commit(ctx, rn.s, from, "panic")
			err = fmt.Errorf("strategy %s errored during %s", rn.id, j.name)
		}
		rn.refresh()
	}()
	return j.fn(ctx, rn.s)
}

// call runs fn on the strategy's mailbox and waits for it.
func (r *Registry) call(ctx context.Context, rn *runner, name string, fn func(ctx context.Context, s *strategy.Strategy) error) error {
	j := job{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case rn.inbox <- j:
	case <-rn.stop:
		return fmt.Errorf("%w: strategy %s", ErrNotFound, rn.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-rn.stop:
		select {
		case err := <-j.done:
			return err
		default:
			return fmt.Errorf("%w: strategy %s", ErrNotFound, rn.id)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn without waiting.
func (r *Registry) post(ctx context.Context, rn *runner, name string, fn func(ctx context.Context, s *strategy.Strategy) error) {
	select {
	case rn.inbox <- job{name: name, fn: fn}:
	case <-rn.stop:
	case <-ctx.Done():
	}
}
