package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned by Run when the loop was closed before it started.
var ErrClosed = errors.New("event loop closed")

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// Scheduler hands out time and timers whose callbacks run on the owning loop.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Executor runs closures on the owning loop.
type Executor interface {
	// Post queues fn from any goroutine. It returns false once the loop is closed.
	Post(fn func()) bool
	// Defer queues fn from the loop goroutine itself; fn runs after the current
	// closure returns.
	Defer(fn func())
}

// Runtime is the combination every loop-owned component depends on.
type Runtime interface {
	Scheduler
	Executor
}

// Loop serializes all state mutation of its owner onto a single goroutine.
// Timer callbacks fire on clock goroutines and are posted back onto the loop.
type Loop struct {
	clock clock.Clock
	queue chan func()
	done  chan struct{}

	closeOnce sync.Once
	running   atomic.Bool

	// deferred is touched only by the loop goroutine.
	deferred []func()
}

// New creates a loop. A nil clock uses the wall clock.
func New(clk clock.Clock, queueSize int) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Loop{
		clock: clk,
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
}

// Run processes queued closures until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	fn()
	for len(l.deferred) > 0 {
		next := l.deferred[0]
		l.deferred[0] = nil
		l.deferred = l.deferred[1:]
		next()
	}
}

// Post implements Executor.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Defer implements Executor. It must only be called from the loop goroutine.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// AfterFunc implements Scheduler. The callback runs on the loop, never after
// Stop returned true and never after the loop is closed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if lt.fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return lt
}

// Close stops the loop. Queued closures that have not run are dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// Done is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

type loopTimer struct {
	timer *clock.Timer
	fired atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.fired.CompareAndSwap(false, true)
}
