package unboundedchan

import (
	"testing"
)

func TestQueue(t *testing.T) {
	q := New[int]()

	// Send all integers [0, 19] before anything is received.
	max := 20
	ch := q.In()
	for i := 0; i < max; i++ {
		ch <- i
	}
	close(ch)

	next := 0
	for d := range q.Out() {
		if d != next {
			t.Errorf("Queue delivered %d, want %d", d, next)
		}
		next++
	}
	if next != max {
		t.Errorf("Queue delivered %d values, want %d", next, max)
	}
}

func TestQueueEmptyClose(t *testing.T) {
	q := New[string]()
	close(q.In())
	if _, ok := <-q.Out(); ok {
		t.Errorf("Out() of an empty closed queue is still open")
	}
}
