// Package mailbox provides an unbounded FIFO drained by a single goroutine.
// Producers never block, so a mailbox can be posted to while holding a lock
// that the handler itself needs.
// No external dependencies - uses only standard library.
package mailbox

import (
	"sync"
)

// Mailbox delivers posted values to its handler one at a time, in post order.
type Mailbox[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	closed  bool
	drained bool
	done    chan struct{}
	handler func(T)
	onPanic func(recovered any)
}

// New starts a mailbox. onPanic, when non-nil, receives values recovered from
// a panicking handler; delivery continues with the next value either way.
func New[T any](handler func(T), onPanic func(recovered any)) *Mailbox[T] {
	m := &Mailbox[T]{
		done:    make(chan struct{}),
		handler: handler,
		onPanic: onPanic,
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// Post enqueues v. It returns false once the mailbox is closed or draining.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.drained {
		return false
	}
	m.queue = append(m.queue, v)
	m.cond.Signal()
	return true
}

// Close stops delivery and drops pending values. Safe to call more than once
// and from inside the handler; it does not wait for the goroutine to exit.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	m.cond.Broadcast()
}

// Drain stops accepting values and lets the goroutine deliver what is queued
// before it exits. Wait on Done for the last delivery; Close still drops
// whatever is left.
func (m *Mailbox[T]) Drain() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drained = true
	m.cond.Broadcast()
}

// Done is closed once the delivery goroutine has exited.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

// Len returns the number of values waiting for delivery.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox[T]) run() {
	defer close(m.done)

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed && !m.drained {
			m.cond.Wait()
		}
		if m.closed || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.deliver(v)
	}
}

func (m *Mailbox[T]) deliver(v T) {
	defer func() {
		if r := recover(); r != nil && m.onPanic != nil {
			m.onPanic(r)
		}
	}()
	m.handler(v)
}
