package audioio

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueCapacity is the number of chunks buffered per direction.
const DefaultQueueCapacity = 50

// Queue is a fixed-capacity FIFO of audio chunks that drops the oldest
// element when full.
//
// It is safe for one producer and one consumer operating concurrently,
// typically a hardware callback on one side and a network loop on the
// other. TryPush and TryPop never block; the internal lock guards O(1)
// index updates only.
type Queue struct {
	mu   sync.Mutex
	buf  []AudioChunk
	head int
	size int

	// notify carries at most one wake-up token for PopTimeout.
	notify chan struct{}

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// QueueStats contains statistics about a queue.
type QueueStats struct {
	// Capacity is the maximum number of buffered chunks.
	Capacity int `json:"capacity"`

	// Len is the number of chunks currently buffered.
	Len int `json:"len"`

	// Pushed is the total number of chunks accepted.
	Pushed uint64 `json:"pushed"`

	// Popped is the total number of chunks handed to the consumer.
	Popped uint64 `json:"popped"`

	// Dropped is the number of chunks evicted by overflow.
	Dropped uint64 `json:"dropped"`
}

// NewQueue creates a queue holding at most capacity chunks.
// A non-positive capacity selects DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		buf:    make([]AudioChunk, capacity),
		notify: make(chan struct{}, 1),
	}
}

// TryPush appends c without blocking. When the queue is full exactly one
// oldest chunk is evicted first. It returns false if an eviction happened.
func (q *Queue) TryPush(c AudioChunk) bool {
	q.mu.Lock()
	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = AudioChunk{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = c
	q.size++
	q.mu.Unlock()

	q.pushed.Add(1)
	if evicted {
		q.dropped.Add(1)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return !evicted
}

// TryPop removes and returns the oldest chunk without blocking.
func (q *Queue) TryPop() (AudioChunk, bool) {
	q.mu.Lock()
	if q.size == 0 {
		q.mu.Unlock()
		return AudioChunk{}, false
	}
	c := q.buf[q.head]
	q.buf[q.head] = AudioChunk{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.mu.Unlock()

	q.popped.Add(1)
	return c, true
}

// PopTimeout waits up to timeout for a chunk. It returns false when the
// timeout elapses with the queue still empty. Only one goroutine may wait
// on a queue at a time.
func (q *Queue) PopTimeout(timeout time.Duration) (AudioChunk, bool) {
	if c, ok := q.TryPop(); ok {
		return c, true
	}
	if timeout <= 0 {
		return AudioChunk{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if c, ok := q.TryPop(); ok {
				return c, true
			}
		case <-timer.C:
			return q.TryPop()
		}
	}
}

// Clear discards all buffered chunks and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := q.size
	for i := 0; i < q.size; i++ {
		q.buf[(q.head+i)%len(q.buf)] = AudioChunk{}
	}
	q.head = 0
	q.size = 0
	q.mu.Unlock()
	return n
}

// Len returns the number of buffered chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns the number of chunks evicted by overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Stats returns a snapshot of queue statistics.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Capacity: q.Cap(),
		Len:      q.Len(),
		Pushed:   q.pushed.Load(),
		Popped:   q.popped.Load(),
		Dropped:  q.dropped.Load(),
	}
}
