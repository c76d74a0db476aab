package session

// outbox is a fixed-capacity FIFO ring of frames. It is not safe for
// concurrent use; Session guards it with its mutex.
type outbox struct {
	buf  []Frame
	head int
	n    int
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &outbox{buf: make([]Frame, capacity)}
}

func (q *outbox) len() int  { return q.n }
func (q *outbox) full() bool { return q.n == len(q.buf) }

func (q *outbox) push(f Frame) {
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
}

func (q *outbox) pop() (Frame, bool) {
	if q.n == 0 {
		return Frame{}, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return f, true
}

// dropOldest discards the head to make room for a newer frame.
func (q *outbox) dropOldest() {
	q.pop()
}

func (q *outbox) snapshot() []Frame {
	out := make([]Frame, 0, q.n)
	for i := 0; i < q.n; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}
	return out
}

// reset discards every queued frame and returns how many were dropped.
func (q *outbox) reset() int {
	dropped := q.n
	for i := range q.buf {
		q.buf[i] = Frame{}
	}
	q.head, q.n = 0, 0
	return dropped
}
