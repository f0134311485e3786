// Package eventloop runs closures one at a time on a single goroutine.
//
// Orchestrators keep all of their mutable state on a Loop. Callbacks from
// peer connections, relay deliveries and timers only Post work; they never
// touch that state directly.
package eventloop

import (
	"sync"
	"time"
)

// Loop executes posted closures in FIFO order on one goroutine. The queue is
// unbounded so Post never blocks, even when called from a closure that is
// already running on the loop.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a loop.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. It returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine. Returns false if the loop was already closed.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// Close stops accepting work. Closures already queued still run. Safe to
// call more than once and from the loop itself.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed after the loop has drained its queue following Close.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			close(l.done)
			return
		}
		<-l.wake
	}
}

// Timer is a one-shot timer whose callback runs on the loop. Stop must be
// called from the loop; after Stop returns the callback will not run, even
// if the underlying timer already fired and its closure is queued.
type Timer struct {
	timer   *time.Timer
	stopped bool
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Stop cancels the timer. Nil-safe.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.timer.Stop()
}
