// Package dispatch provides the single serialized delivery point for
// controller events. Producers publish from whatever goroutine the
// transport chooses; one consumer goroutine drains the queue and invokes
// subscribers in registration order, so callbacks are never concurrent
// and never observe events out of order.
package dispatch

import (
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Dispatcher fans out events of type T to registered subscribers.
type Dispatcher[T any] struct {
	queue  *RingChannel[T]
	logger *logrus.Logger

	mu     sync.Mutex
	subs   *orderedmap.OrderedMap[uint64, func(T)]
	nextID uint64
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Dispatcher with a bounded queue and starts its consumer
// goroutine. A nil logger falls back to a default logrus instance.
func New[T any](capacity int, logger *logrus.Logger) *Dispatcher[T] {
	if logger == nil {
		logger = logrus.New()
	}

	d := &Dispatcher[T]{
		queue:  NewRingChannel[T](capacity),
		logger: logger,
		subs:   orderedmap.New[uint64, func(T)](),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe registers a callback and returns a cancel function.
// Callbacks are invoked on the dispatcher goroutine, one at a time, in
// registration order.
func (d *Dispatcher[T]) Subscribe(fn func(T)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.subs.Set(id, fn)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.subs.Delete(id)
	}
}

// Publish enqueues an event. It never blocks; if the queue is full the
// oldest undelivered event is dropped and a warning is logged.
func (d *Dispatcher[T]) Publish(ev T) {
	// The send happens under the mutex so Close cannot close the queue
	// between the closed check and the send. Send itself never blocks.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	dropped := d.queue.Send(ev)
	d.mu.Unlock()

	if dropped {
		d.logger.WithField("queue_cap", d.queue.Cap()).Warn("Event queue full, dropped oldest event")
	}
}

// Close stops accepting events, drains what is already queued, and waits
// for the consumer goroutine to exit.
func (d *Dispatcher[T]) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.queue.Close()
		<-d.done
	})
}

func (d *Dispatcher[T]) run() {
	defer close(d.done)

	for ev := range d.queue.C() {
		d.deliver(ev)
	}
}

func (d *Dispatcher[T]) deliver(ev T) {
	// Subscriber callbacks must not take down the dispatcher.
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Error("Subscriber callback panicked")
		}
	}()

	d.mu.Lock()
	callbacks := make([]func(T), 0, d.subs.Len())
	for pair := d.subs.Oldest(); pair != nil; pair = pair.Next() {
		callbacks = append(callbacks, pair.Value)
	}
	d.mu.Unlock()

	for _, fn := range callbacks {
		fn(ev)
	}
}
