// Package scheduler runs client work on a single cooperative task queue.
//
// Every state change in the client (frame application, timer callbacks,
// connection transitions, inbound messages) is posted to one Scheduler and
// executed one task at a time, so components never need their own locks.
package scheduler

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Timer is a cancellable delayed task
type Timer interface {
	// Stop cancels the task; it reports false when the task already ran
	// or was already stopped.
	Stop() bool
}

// Scheduler serializes tasks and timers
type Scheduler interface {
	// Post queues fn to run after the tasks already queued
	Post(fn func())
	// AfterFunc runs fn as a task once d has elapsed
	AfterFunc(d time.Duration, fn func()) Timer
	// Now returns the scheduler clock
	Now() time.Time
}

// ErrorHandler handles a panic raised by a task
type ErrorHandler func(err any, stack []byte)

// Loop is the production Scheduler: a mutex-guarded queue drained by one
// goroutine that blocks on a wake channel.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool

	onError ErrorHandler
	panics  atomic.Int64
	ran     atomic.Int64
}

// NewLoop creates a stopped loop
func NewLoop() *Loop {
	return &Loop{
		queue: make([]func(), 0, 64),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// SetErrorHandler replaces the panic handler; the default logs the panic
func (l *Loop) SetErrorHandler(h ErrorHandler) {
	l.onError = h
}

// Post queues fn. Tasks posted before Start run once the loop starts.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// Already signalled, the loop drains the whole queue per wake
	}
}

// AfterFunc posts fn to the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Now returns the wall clock
func (l *Loop) Now() time.Time {
	return time.Now()
}

type loopTimer struct {
	timer *time.Timer
	fired atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.fired.CompareAndSwap(false, true)
}

// Start begins the loop on its own goroutine
func (l *Loop) Start() {
	if l.running.CompareAndSwap(false, true) {
		glog.V(2).Infof("[Scheduler] Starting loop")
		go l.run()
	} else {
		glog.V(2).Infof("[Scheduler] Loop already running")
	}
}

// Stop ends the loop after the current task; queued tasks are dropped
func (l *Loop) Stop() {
	if l.running.CompareAndSwap(true, false) {
		select {
		case l.wake <- struct{}{}:
		default:
		}
		<-l.done
	}
}

// IsRunning returns whether the loop is running
func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// Stats returns the number of tasks run and the number that panicked
func (l *Loop) Stats() (ran, panicked int64) {
	return l.ran.Load(), l.panics.Load()
}

func (l *Loop) run() {
	defer func() {
		glog.V(2).Infof("[Scheduler] Loop ended")
		l.done <- struct{}{}
	}()

	for l.running.Load() {
		<-l.wake

		// Drain everything queued so far, including tasks posted by tasks
		for l.running.Load() {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.queue
			l.queue = make([]func(), 0, cap(batch))
			l.mu.Unlock()

			for _, fn := range batch {
				if !l.running.Load() {
					return
				}
				l.runTask(fn)
			}
		}
	}
}

// runTask runs one task with panic recovery
func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.handleTaskError(r)
		}
	}()
	l.ran.Add(1)
	fn()
}

func (l *Loop) handleTaskError(err any) {
	l.panics.Add(1)
	stack := debug.Stack()
	if l.onError != nil {
		l.onError(err, stack)
		return
	}
	glog.Errorf("[Scheduler] task panic: %v\n%s", err, stack)
}

// Wait blocks until every task queued before the call has run. It must
// not be called from a task.
func (l *Loop) Wait() {
	done := make(chan struct{})
	l.Post(func() { close(done) })
	<-done
}

// String describes the loop state
func (l *Loop) String() string {
	l.mu.Lock()
	pending := len(l.queue)
	l.mu.Unlock()
	return fmt.Sprintf("loop(running=%v, pending=%d)", l.running.Load(), pending)
}
