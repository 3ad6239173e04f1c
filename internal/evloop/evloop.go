// Package evloop provides the single-owner event loop that serializes all
// routing state. Socket goroutines and timers never touch that state directly;
// they post closures which the loop runs one at a time.
package evloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs closures and timers on a single logical thread.
type Scheduler interface {
	// Post queues fn to run on the loop. Safe to call from any goroutine.
	Post(fn func())

	// NewTimer returns a disarmed timer invoking fn on the loop.
	NewTimer(fn func()) Timer

	// Now returns the loop's notion of the current time.
	Now() time.Time
}

// Timer is a re-armable one-shot timer. Only call its methods from the loop.
type Timer interface {
	// Arm (re)schedules the timer, replacing any pending expiry.
	Arm(d time.Duration)
	Cancel()
	Armed() bool
}

// Loop is the production Scheduler backed by a goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	brk    atomic.Bool
}

var _ Scheduler = (*Loop)(nil)

func New() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

// Run executes posted closures until ctx is done, Stop is called, or a
// closure calls Breakout. Run may be called again after a breakout.
func (l *Loop) Run(ctx context.Context) error {
	l.brk.Store(false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.notify:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for i, fn := range batch {
				fn()
				if l.brk.Load() {
					l.requeue(batch[i+1:])
					return nil
				}
			}
		}
	}
}

// requeue puts closures that were not run back in front of the queue.
func (l *Loop) requeue(rest []func()) {
	l.mu.Lock()
	l.queue = append(rest[:len(rest):len(rest)], l.queue...)
	pending := len(l.queue) > 0
	l.mu.Unlock()
	if pending {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}

// Breakout makes the current Run return once the running closure is done.
// Queued closures are kept for the next Run.
func (l *Loop) Breakout() {
	l.brk.Store(true)
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Stop makes Run return for good. Closures still queued are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *Loop) NewTimer(fn func()) Timer {
	return &loopTimer{loop: l, fn: fn}
}

type loopTimer struct {
	loop  *Loop
	fn    func()
	t     *time.Timer
	gen   uint64
	armed bool
}

func (t *loopTimer) Arm(d time.Duration) {
	t.Cancel()
	t.gen++
	t.armed = true

	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.loop.Post(func() {
			if !t.armed || t.gen != gen {
				return
			}
			t.armed = false
			t.fn()
		})
	})
}

func (t *loopTimer) Cancel() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.armed = false
}

func (t *loopTimer) Armed() bool {
	return t.armed
}
