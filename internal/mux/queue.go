package mux

import (
	"sync"

	"github.com/roach88/nbridge/internal/ir"
)

// eventQueue is a thread-safe FIFO of native events.
//
// The queue is unbounded: native emitters must never wait for the consumer,
// and this layer provides no backpressure.
//
// The signal channel (buffered, size 1) lets the delivery loop wait with
// select so that context cancellation is honoured.
type eventQueue struct {
	mu     sync.Mutex
	clock  *Clock
	events []ir.NativeEvent
	closed bool
	signal chan struct{}
}

func newEventQueue(clock *Clock) *eventQueue {
	return &eventQueue{
		clock:  clock,
		events: make([]ir.NativeEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue stamps ev with the next seq and appends it.
// Seq is taken under the queue lock so seq order equals queue order.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(ev ir.NativeEvent) (ir.NativeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ev, false
	}

	ev.Seq = q.clock.Next()
	q.events = append(q.events, ev)

	// Non-blocking: the 1-slot buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return ev, true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (ir.NativeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return ir.NativeEvent{}, false
	}

	ev := q.events[0]
	// Clear the slot so the payload string can be collected.
	q.events[0] = ir.NativeEvent{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return ev, true
}

// Wait returns a channel that fires when events may be available.
// The channel is closed once the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drained reports whether the queue is closed and empty.
func (q *eventQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0
}

// Close rejects further events and wakes waiters. Queued events stay
// deliverable.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
