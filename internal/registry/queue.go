package registry

// OutboundQueue is a bounded FIFO ring. Pushing onto a full queue discards
// the oldest element, so the newest data always wins.
//
// It is not safe for concurrent use; Handle guards its queue with sendMu.
type OutboundQueue[T any] struct {
	buf     []T
	head    int
	size    int
	dropped uint64
}

func NewOutboundQueue[T any](capacity int) *OutboundQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &OutboundQueue[T]{buf: make([]T, capacity)}
}

// Push appends v and reports whether the oldest element was discarded to make room.
func (q *OutboundQueue[T]) Push(v T) (dropped bool) {
	if q.size == len(q.buf) {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
	return dropped
}

func (q *OutboundQueue[T]) Peek() (T, bool) {
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.buf[q.head], true
}

func (q *OutboundQueue[T]) Pop() (T, bool) {
	v, ok := q.Peek()
	if !ok {
		return v, false
	}
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}

func (q *OutboundQueue[T]) Len() int { return q.size }

func (q *OutboundQueue[T]) Cap() int { return len(q.buf) }

// Dropped is the number of elements discarded since creation.
func (q *OutboundQueue[T]) Dropped() uint64 { return q.dropped }

// Clear empties the queue and returns how many elements were discarded.
func (q *OutboundQueue[T]) Clear() int {
	n := q.size
	var zero T
	for i := range q.buf {
		q.buf[i] = zero
	}
	q.head, q.size = 0, 0
	return n
}
