// Package asyncbufio provides a buffered writer whose Write hands data to a
// background goroutine, so callers on a timing-critical path never wait for disk.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Writer queues writes for a background goroutine that copies them into a
// bufio.Writer and flushes it periodically, on Flush and on Close.
type Writer struct {
	writer        *bufio.Writer
	pending       chan []byte
	flushRequests chan chan error
	flushInterval time.Duration

	mu  sync.Mutex
	err error // first error from the underlying writer
}

// NewWriter starts a Writer over w that holds up to depth queued writes.
func NewWriter(w io.Writer, depth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		pending:       make(chan []byte, depth),
		flushRequests: make(chan chan error),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues p. It never blocks: when the queue is full it returns
// io.ErrShortWrite and p is dropped. The caller must not modify p afterwards.
func (aw *Writer) Write(p []byte) (int, error) {
	if err := aw.Err(); err != nil {
		return 0, err
	}
	select {
	case aw.pending <- p:
		return len(p), nil
	default:
		return 0, io.ErrShortWrite
	}
}

// Err returns the first error the underlying writer reported.
func (aw *Writer) Err() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.err
}

// Flush writes everything queued so far and flushes the underlying writer.
func (aw *Writer) Flush() error {
	done := make(chan error)
	aw.flushRequests <- done
	return <-done
}

// Close flushes and stops the background goroutine. Calling Write, Flush or Close
// after Close panics.
func (aw *Writer) Close() error {
	done := make(chan error)
	aw.flushRequests <- done
	err := <-done
	close(aw.flushRequests)
	return err
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case p := <-aw.pending:
			aw.write(p)
		case done, ok := <-aw.flushRequests:
			if !ok {
				return
			}
			done <- aw.flush()
		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) write(p []byte) {
	if _, err := aw.writer.Write(p); err != nil {
		aw.setErr(err)
	}
}

// flush drains the queue, then flushes the bufio.Writer.
func (aw *Writer) flush() error {
	for {
		select {
		case p := <-aw.pending:
			aw.write(p)
		default:
			if err := aw.writer.Flush(); err != nil {
				aw.setErr(err)
			}
			return aw.Err()
		}
	}
}

func (aw *Writer) setErr(err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}
