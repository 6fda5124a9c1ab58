package pqm

import (
	"fmt"
	"os"
	"time"

	"github.com/pqmlab/pqm/internal/asyncbufio"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Capture is a Sink that keeps triggered scans in a file.
type Capture interface {
	Sink
	Scans() int
	Path() string
	Close() error
}

// NewCapture opens a capture of the given format: "npy" (the default) or "raw".
func NewCapture(format, path string, mask ChannelMask, maxScans int) (Capture, error) {
	switch format {
	case "", "npy":
		r, err := NewRecorder(path, mask, maxScans)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "raw":
		r, err := NewRawRecorder(path, mask, maxScans)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("capture format %q is not npy or raw: %w", format, ErrInvalidArgument)
}

// Recorder is a Sink that keeps scans in memory and, on Close, writes them to a
// NumPy .npy file as a 2-D float64 array of shape (scans, active channels).
type Recorder struct {
	path     string
	mask     ChannelMask
	ncols    int
	maxScans int
	data     []float64
	nrows    int
}

// NewRecorder makes a Recorder for scans over mask, holding at most maxScans scans
// (no limit when maxScans <= 0).
func NewRecorder(path string, mask ChannelMask, maxScans int) (*Recorder, error) {
	if mask.Count() == 0 {
		return nil, fmt.Errorf("cannot capture with no active channels: %w", ErrInvalidArgument)
	}
	return &Recorder{path: path, mask: mask, ncols: mask.Count(), maxScans: maxScans}, nil
}

// Accepts returns the error PushScan would give for scan, without keeping it.
func (r *Recorder) Accepts(scan Scan) error {
	if len(scan) != r.ncols {
		return fmt.Errorf("scan has %d samples, capture of %v expects %d", len(scan), r.mask, r.ncols)
	}
	if r.maxScans > 0 && r.nrows >= r.maxScans {
		return fmt.Errorf("%s holds %d scans: %w", r.path, r.nrows, ErrCaptureFull)
	}
	return nil
}

// PushScan keeps one scan. It returns the number of samples kept.
func (r *Recorder) PushScan(scan Scan) (int, error) {
	if err := r.Accepts(scan); err != nil {
		return 0, err
	}
	for _, v := range scan {
		r.data = append(r.data, float64(v))
	}
	r.nrows++
	return len(scan), nil
}

// Scans is the number of scans kept so far.
func (r *Recorder) Scans() int {
	return r.nrows
}

// Path is the file Close writes.
func (r *Recorder) Path() string {
	return r.path
}

// Close writes the captured scans to the recorder's path.
func (r *Recorder) Close() error {
	if r.nrows == 0 {
		return fmt.Errorf("capture %s holds no scans", r.path)
	}
	f, err := os.Create(r.path)
	if err != nil {
		return err
	}
	m := mat.NewDense(r.nrows, r.ncols, r.data)
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RawRecorder is a Capture that streams each scan to disk in its wire encoding as it
// arrives, so its length is limited only by maxScans.
type RawRecorder struct {
	path     string
	file     *os.File
	writer   *asyncbufio.Writer
	ncols    int
	maxScans int
	nrows    int
}

// NewRawRecorder creates path and starts writing scans over mask to it.
func NewRawRecorder(path string, mask ChannelMask, maxScans int) (*RawRecorder, error) {
	if mask.Count() == 0 {
		return nil, fmt.Errorf("cannot capture with no active channels: %w", ErrInvalidArgument)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &RawRecorder{
		path:     path,
		file:     f,
		writer:   asyncbufio.NewWriter(f, 4096, time.Second),
		ncols:    mask.Count(),
		maxScans: maxScans,
	}, nil
}

// Accepts returns the error PushScan would give for scan, without writing it.
func (r *RawRecorder) Accepts(scan Scan) error {
	if len(scan) != r.ncols {
		return fmt.Errorf("scan has %d samples, raw capture expects %d", len(scan), r.ncols)
	}
	if r.maxScans > 0 && r.nrows >= r.maxScans {
		return fmt.Errorf("%s holds %d scans: %w", r.path, r.nrows, ErrCaptureFull)
	}
	return nil
}

// PushScan queues the scan for writing and returns its size in bytes.
func (r *RawRecorder) PushScan(scan Scan) (int, error) {
	if err := r.Accepts(scan); err != nil {
		return 0, err
	}
	n, err := r.writer.Write(scan.Bytes())
	if err != nil {
		return 0, fmt.Errorf("raw capture %s: %w", r.path, err)
	}
	r.nrows++
	return n, nil
}

// Scans is the number of scans written so far.
func (r *RawRecorder) Scans() int {
	return r.nrows
}

// Path is the file being written.
func (r *RawRecorder) Path() string {
	return r.path
}

// Close flushes all queued scans and closes the file.
func (r *RawRecorder) Close() error {
	err := r.writer.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// LoadExternalBuffer reads a .npy file holding a 2-D array of shape
// (channels, samples) and returns it as per-channel sample arrays and their length.
func LoadExternalBuffer(path string) ([][]RawType, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, 0, fmt.Errorf("could not read external buffer %s: %w", path, err)
	}
	nchan, nsamp := m.Dims()
	buffer := make([][]RawType, nchan)
	for i := range buffer {
		buffer[i] = make([]RawType, nsamp)
		for j := range buffer[i] {
			v := m.At(i, j)
			if v < 0 || v > float64(^uint32(0)) {
				return nil, 0, fmt.Errorf("external buffer %s [%d,%d]=%v is not a raw sample: %w",
					path, i, j, v, ErrOutOfRange)
			}
			buffer[i][j] = RawType(v)
		}
	}
	return buffer, nsamp, nil
}

// SaveExternalBuffer writes per-channel sample arrays, all of the same length, in the
// form LoadExternalBuffer reads.
func SaveExternalBuffer(path string, buffer [][]RawType) error {
	if len(buffer) == 0 || len(buffer[0]) == 0 {
		return fmt.Errorf("external buffer is empty: %w", ErrInvalidArgument)
	}
	nsamp := len(buffer[0])
	m := mat.NewDense(len(buffer), nsamp, nil)
	for i, ch := range buffer {
		if len(ch) != nsamp {
			return fmt.Errorf("external buffer channel %d has %d samples, want %d: %w", i, len(ch), nsamp, ErrInvalidArgument)
		}
		for j, v := range ch {
			m.Set(i, j, float64(v))
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// acceptor is a Sink that can say in advance whether a push would fail.
type acceptor interface {
	Accepts(Scan) error
}

// MultiSink pushes every scan to each of its sinks in order. Sinks that can refuse
// in advance (captures) are asked first, so a refused scan reaches none of them.
// Otherwise it stops at the first error and returns the first sink's count.
type MultiSink []Sink

// PushScan pushes scan to every sink.
func (ms MultiSink) PushScan(scan Scan) (int, error) {
	for _, s := range ms {
		if a, ok := s.(acceptor); ok {
			if err := a.Accepts(scan); err != nil {
				return 0, err
			}
		}
	}
	n := 0
	for i, s := range ms {
		m, err := s.PushScan(scan)
		if err != nil {
			return m, err
		}
		if i == 0 {
			n = m
		}
	}
	return n, nil
}
