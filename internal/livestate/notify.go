package livestate

import "sync"

// notifier hands flag changes to a callback on its own goroutine, one at a
// time. Changes that arrive while the callback is busy collapse into the
// latest value.
type notifier struct {
	notify func(bool)

	mu      sync.Mutex
	pending bool
	has     bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newNotifier(notify func(bool)) *notifier {
	n := &notifier{
		notify: notify,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(live bool) {
	n.mu.Lock()
	n.pending, n.has = live, true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}
		n.mu.Lock()
		live, has := n.pending, n.has
		n.has = false
		n.mu.Unlock()
		if has {
			n.notify(live)
		}
	}
}

func (n *notifier) stop() {
	n.once.Do(func() { close(n.done) })
}
