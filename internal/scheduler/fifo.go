package scheduler

import "sync"

// wakeQueue is a thread-safe FIFO of fired wake-ups.
//
// Timer callbacks enqueue from their own goroutines while Run dequeues on
// one goroutine, so wake-ups reach the handler one at a time in firing order.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type wakeQueue struct {
	mu     sync.Mutex
	wakes  []Wake
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newWakeQueue() *wakeQueue {
	return &wakeQueue{
		wakes:  make([]Wake, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a wake-up to the back of the queue.
// Returns false if the queue is closed.
func (q *wakeQueue) Enqueue(w Wake) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.wakes = append(q.wakes, w)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front wake-up without blocking.
func (q *wakeQueue) TryDequeue() (Wake, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.wakes) == 0 {
		return Wake{}, false
	}

	w := q.wakes[0]
	q.wakes[0] = Wake{}
	if len(q.wakes) == 1 {
		q.wakes = q.wakes[:0]
	} else {
		q.wakes = q.wakes[1:]
	}
	return w, true
}

// Wait returns a channel that signals when wake-ups may be available.
// The channel is closed when the queue is closed.
func (q *wakeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of fired wake-ups not yet handled.
func (q *wakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.wakes)
}

// Close stops accepting wake-ups and wakes any waiter.
func (q *wakeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
