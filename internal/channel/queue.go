package channel

// queue is a bounded FIFO of encoded envelopes. When full, the oldest entry
// is dropped: only the latest positions matter.
type queue struct {
	buf     [][]byte
	head    int
	n       int
	dropped uint64
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{buf: make([][]byte, capacity)}
}

// push returns true if an older entry was dropped to make room.
func (q *queue) push(b []byte) bool {
	if q.n == len(q.buf) {
		q.buf[q.head] = b
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
		return true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = b
	q.n++
	return false
}

func (q *queue) peek() ([]byte, bool) {
	if q.n == 0 {
		return nil, false
	}
	return q.buf[q.head], true
}

func (q *queue) pop() ([]byte, bool) {
	b, ok := q.peek()
	if !ok {
		return nil, false
	}
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return b, true
}

func (q *queue) len() int {
	return q.n
}

func (q *queue) clear() {
	for q.n > 0 {
		q.pop()
	}
}
