package relay

import (
	"sync"
	"sync/atomic"
)

// sendQueue is a byte-bounded FIFO of outbound frames for one connection. The
// hub enqueues without blocking; the connection's writer drains it. A frame
// that does not fit is dropped rather than stalling every other member.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte

	drops  atomic.Uint64
	onDrop func()
}

func newSendQueue(maxBytes int, onDrop func()) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes, onDrop: onDrop}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue reports whether frame was accepted. It never blocks.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	ok := !q.closed && q.curBytes+len(frame) <= q.maxBytes
	if ok {
		q.frames = append(q.frames, frame)
		q.curBytes += len(frame)
		q.notEmpty.Signal()
	}
	q.mu.Unlock()

	if !ok {
		q.drops.Add(1)
		if q.onDrop != nil {
			q.onDrop()
		}
	}
	return ok
}

// Dequeue blocks until a frame is available. It returns false once the
// queue is closed; frames still queued at that point are discarded.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
