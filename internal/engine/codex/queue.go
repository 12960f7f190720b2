package codex

import (
	"sync"

	"github.com/zulandar/switchboard/internal/engine"
)

// eventQueue decouples the read loop from event consumers: Push never
// blocks, so a consumer calling back into the adapter cannot stall the
// responses it is waiting for.
type eventQueue struct {
	mu     sync.Mutex
	buf    []engine.Event
	closed bool
	signal chan struct{}
	out    chan engine.Event
}

func newEventQueue(size int) *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan engine.Event, size),
	}
	go q.forward()
	return q
}

// Push appends evt. Events pushed after Close are dropped.
func (q *eventQueue) Push(evt engine.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, evt)
	q.mu.Unlock()
	q.wake()
}

// Close delivers what is buffered, then closes C. Safe to call twice.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) C() <-chan engine.Event { return q.out }

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) forward() {
	for range q.signal {
		q.mu.Lock()
		batch := q.buf
		q.buf = nil
		closed := q.closed
		q.mu.Unlock()
		for _, evt := range batch {
			q.out <- evt
		}
		if closed {
			q.mu.Lock()
			rest := q.buf
			q.buf = nil
			q.mu.Unlock()
			for _, evt := range rest {
				q.out <- evt
			}
			close(q.out)
			return
		}
	}
}
