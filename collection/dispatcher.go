package collection

import (
	"log/slog"
	"sync"
)

// Dispatcher delivers queued notifications one at a time, in the order they
// were queued. A notification queued while another one is being delivered
// (for example by a handler that writes back into a collection) waits for the
// running delivery to finish instead of nesting inside it.
//
// Several collections may share one Dispatcher; their events are then totally
// ordered with respect to each other.
type Dispatcher struct {
	mu       sync.Mutex
	queue    []func()
	held     int
	draining bool
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger falls back to slog.Default().
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Dispatch queues fn and delivers the queue unless delivery is held or
// already running further up the stack.
func (d *Dispatcher) Dispatch(fn func()) {
	d.enqueue(fn)
	d.drain()
}

// Batch runs fn with delivery held, then delivers everything fn queued.
// Mutations made inside fn become visible to handlers only once fn returns.
func (d *Dispatcher) Batch(fn func()) {
	d.mu.Lock()
	d.held++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.held--
		d.mu.Unlock()
		d.drain()
	}()

	fn()
}

// Pending returns the number of queued, undelivered notifications.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

func (d *Dispatcher) drain() {
	d.mu.Lock()
	if d.draining || d.held > 0 {
		d.mu.Unlock()
		return
	}
	d.draining = true

	for len(d.queue) > 0 && d.held == 0 {
		next := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(next)

		d.mu.Lock()
	}

	d.draining = false
	d.mu.Unlock()
}

func (d *Dispatcher) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}
