package voice

import "sync"

// eventQueue is an unbounded FIFO of closures run by the coordinator's loop
// goroutine. Pushing never blocks, so pion and signaling callbacks can post
// from any goroutine.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []func()
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push reports false once the queue is closed.
func (q *eventQueue) Push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, fn)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an event is available. It returns false once the queue is
// closed; events still queued at that point are discarded.
func (q *eventQueue) Pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	fn := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return fn, true
}

func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
