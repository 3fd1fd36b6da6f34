package handle

import "sync"

// chunk is one piece of output captured from a child's stdout or stderr.
type chunk struct {
	Stream string // "stdout" or "stderr"
	Data   []byte
}

// boundedQueue is a memory-bounded FIFO of output chunks. When a push would
// exceed maxBytes, the oldest chunks are evicted first and dropped is
// incremented — grounded on the teacher's ringBuffer, generalized from a
// byte-accounted buffer to a drop-counted one since the spec requires the
// drop count to be externally observable.
type boundedQueue struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []chunk
	dropped  uint64
}

func newBoundedQueue(maxBytes int64) *boundedQueue {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &boundedQueue{maxBytes: maxBytes}
}

// push appends a chunk, evicting the oldest entries until back under the
// byte cap. Returns true if eviction occurred (caller uses this to decide
// whether to emit a throttled StdioEmitted truncation event).
func (q *boundedQueue) push(c chunk) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.chunks = append(q.chunks, c)
	q.size += int64(len(c.Data))

	for q.size > q.maxBytes && len(q.chunks) > 0 {
		removed := q.chunks[0]
		q.size -= int64(len(removed.Data))
		q.chunks = q.chunks[1:]
		q.dropped++
		evicted = true
	}
	return evicted
}

// pop dequeues the oldest chunk, if any.
func (q *boundedQueue) pop() (chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return chunk{}, false
	}
	c := q.chunks[0]
	q.size -= int64(len(c.Data))
	q.chunks = q.chunks[1:]
	return c, true
}

// droppedCount returns the running total of evicted chunks.
func (q *boundedQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// peekAll returns a snapshot copy of every chunk currently buffered,
// oldest first, without dequeuing them — used by QueryOutput, which scans
// rather than consumes.
func (q *boundedQueue) peekAll() []chunk {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]chunk, len(q.chunks))
	copy(out, q.chunks)
	return out
}
