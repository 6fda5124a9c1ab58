package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWrite(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "example")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatal(err)
	}

	w := NewWriter(f, 100, time.Second)
	var expect bytes.Buffer
	for i := 0; i < 100; i++ {
		sometext := fmt.Appendf(nil, "Line of text %3d\n", i)
		expect.Write(sometext)
		if _, err := w.Write(sometext); err != nil {
			t.Fatalf("Write(%d) failed: %v", i, err)
		}
		if i%25 == 19 {
			if err := w.Flush(); err != nil {
				t.Errorf("Flush() failed: %v", err)
			}
		}
	}
	w.Write([]byte("Last line\n"))
	expect.WriteString("Last line\n")
	if err := w.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	f.Close()

	actual, err := os.ReadFile(fname)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(actual, expect.Bytes()) {
		t.Errorf("file holds %d bytes, want %d", len(actual), expect.Len())
	}

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Flush()
	t.Errorf("asyncbufio.Writer.Flush() after .Close() did not panic")
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestWriteError(t *testing.T) {
	w := NewWriter(failingWriter{}, 4, time.Hour)
	w.Write(make([]byte, 8192))
	if err := w.Flush(); err == nil {
		t.Errorf("Flush() to a failing writer returned nil")
	}
	if _, err := w.Write([]byte("more")); err == nil {
		t.Errorf("Write() after a failed flush returned nil")
	}
	w.Close()
}
