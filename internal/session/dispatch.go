package session

import "sync"

// dispatcher delivers callbacks in the order they were posted on a single
// goroutine. Posting never blocks. After close, pending callbacks are
// delivered and further posts are dropped.
type dispatcher struct {
	mu      sync.Mutex
	pending []func()
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	go d.run()
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				closing := d.closing
				d.mu.Unlock()
				if closing {
					return
				}
				break
			}
			fn := d.pending[0]
			d.pending[0] = nil
			d.pending = d.pending[1:]
			d.mu.Unlock()
			fn()
		}
	}
}
