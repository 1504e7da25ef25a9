package gpio

import "sync"

// eventQueue is a bounded, time-ordered buffer between TCP ingress and
// the cue writer. Overflow drops the oldest buffered event: automation
// is best-effort relative to audio, which is never dropped.
type eventQueue struct {
	mu      sync.Mutex
	buf     []*Event
	cap     int
	dropped uint64
	sig     chan struct{} // coalescing wake-up for the drain side
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &eventQueue{cap: capacity, sig: make(chan struct{}, 1)}
}

// push appends an event, evicting the oldest on overflow. Returns true
// when an event was dropped.
func (q *eventQueue) push(ev *Event) bool {
	q.mu.Lock()
	var dropped bool
	if len(q.buf) >= q.cap {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		q.dropped++
		dropped = true
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.sig <- struct{}{}:
	default:
	}
	return dropped
}

// drain removes and returns all buffered events in arrival order.
func (q *eventQueue) drain() []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	return out
}

// wakeup returns the channel signalled after each push.
func (q *eventQueue) wakeup() <-chan struct{} { return q.sig }

// droppedCount reports how many events were evicted so far.
func (q *eventQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
