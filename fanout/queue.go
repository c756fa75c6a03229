package fanout

import (
	"sync"
	"time"

	"sitewatch/video"
)

// Queue is a bounded single-producer/single-consumer frame queue. When full,
// the oldest frame is evicted (and released) before the new one is enqueued,
// so Push never blocks. Take blocks up to a timeout and wakes on close.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []*video.Frame
	cap    int
	closed bool

	dropped int64
}

// NewQueue creates a queue holding at most capacity frames. Capacity below
// one is clamped to one.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues f, retaining it for the queue. A full queue evicts and
// releases its oldest frame first. Pushing to a closed queue is a no-op.
func (q *Queue) Push(f *video.Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	for len(q.frames) >= q.cap {
		old := q.frames[0]
		q.frames = q.frames[1:]
		q.dropped++
		old.Release()
	}
	q.frames = append(q.frames, f.Retain())
	q.cond.Signal()
	q.mu.Unlock()
}

// Take removes the oldest frame, waiting up to timeout for one to arrive.
// The second result is false on timeout or close; a timeout is control flow,
// not an error. The caller must Release the returned frame.
func (q *Queue) Take(timeout time.Duration) (*video.Frame, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.frames) == 0 {
		if q.closed {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		q.waitWithTimeout(remaining)
	}

	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// waitWithTimeout waits on the condition variable for at most d. The mutex is
// held on entry and on return. A timer broadcast substitutes for the timed
// wait missing from sync.Cond.
func (q *Queue) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	q.cond.Wait()
	timer.Stop()
}

// Len reports the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped reports how many frames were evicted by overflow.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close releases all buffered frames and wakes blocked takers. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, f := range q.frames {
		f.Release()
	}
	q.frames = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
