package dispatch

import (
	"sync"
	"time"
)

// unit is one queued piece of work.
type unit struct {
	id         string
	lane       Lane
	name       string
	work       Work
	enqueuedAt time.Time

	// done, if set, is called after the unit finished with the error it
	// produced (nil on success). Job drivers use it to wait for a firing.
	done func(err error)
}

// fifo is an unbounded FIFO queue.
//
// push never blocks. pop blocks until a unit is available or the queue is
// closed and drained.
type fifo struct {
	name string

	mu     sync.Mutex
	items  []unit
	head   int
	closed bool
	notify chan struct{}
}

func newFIFO(name string) *fifo {
	return &fifo{name: name, notify: make(chan struct{}, 1)}
}

// push appends u. It reports false if the queue was closed.
func (q *fifo) push(u unit) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, u)
	q.wakeLocked()
	q.mu.Unlock()
	return true
}

// pop returns the oldest unit. ok is false once the queue is closed and empty,
// or as soon as abort is closed.
func (q *fifo) pop(abort <-chan struct{}) (u unit, ok bool) {
	for {
		select {
		case <-abort:
			return unit{}, false
		default:
		}

		q.mu.Lock()
		if q.head < len(q.items) {
			u = q.items[q.head]
			q.items[q.head] = unit{}
			q.head++
			// Compact once the consumed prefix dominates the backing array.
			if q.head > 64 && q.head*2 >= len(q.items) {
				n := copy(q.items, q.items[q.head:])
				q.items = q.items[:n]
				q.head = 0
			}
			if q.head < len(q.items) {
				// Several pool workers share one queue; pass the signal on.
				q.wakeLocked()
			}
			q.mu.Unlock()
			return u, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return unit{}, false
		}

		select {
		case <-q.notify:
		case <-abort:
			return unit{}, false
		}
	}
}

// close stops accepting new units. Queued units stay available to pop.
func (q *fifo) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	// Wakes every waiting consumer so they observe the closed flag.
	close(q.notify)
}

// wakeLocked signals one waiting consumer. q.mu must be held.
func (q *fifo) wakeLocked() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
