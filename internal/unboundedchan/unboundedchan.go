// Package unboundedchan provides a FIFO queue that is filled and drained through
// channels. Sends to In never wait for the receiver on Out.
package unboundedchan

// Queue holds values sent on In until they are received from Out. Beware: the
// queue grows without limit, so T should be small (use pointers for large values).
type Queue[T any] struct {
	in  chan T
	out chan T
}

// New starts a Queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go q.run()
	return q
}

// run moves values from in to out. Once in is closed, it delivers what is still
// pending and then closes out.
func (q *Queue[T]) run() {
	var pending []T
	in := q.in
	for in != nil || len(pending) > 0 {
		var out chan T
		var next T
		if len(pending) > 0 {
			out = q.out
			next = pending[0]
		}
		select {
		case v, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, v)
		case out <- next:
			var zero T
			pending[0] = zero
			pending = pending[1:]
		}
	}
	close(q.out)
}

// In returns the channel to send values on. Close it when done.
func (q *Queue[T]) In() chan<- T {
	return q.in
}

// Out returns the channel values are received from, in the order sent.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}
