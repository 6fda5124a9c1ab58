package pqm

import "fmt"

// Sink receives assembled scans. PushScan reports how much it wrote, or an error
// that the streaming engine hands back to its caller unchanged.
type Sink interface {
	PushScan(Scan) (int, error)
}

// Streamer drives scan production for one Device. It holds the cursor used by
// triggered streaming, so each device instance streams independently.
type Streamer struct {
	dev    *Device
	cursor int
}

// NewStreamer makes a Streamer for dev with its cursor at offset 0.
func NewStreamer(dev *Device) *Streamer {
	return &Streamer{dev: dev}
}

// Cursor is the offset the next triggered scan will be assembled at.
func (s *Streamer) Cursor() int {
	if s == nil {
		return 0
	}
	return s.cursor
}

// ResetCursor moves the cursor back to offset 0.
func (s *Streamer) ResetCursor() {
	if s != nil {
		s.cursor = 0
	}
}

// Device returns the device this Streamer reads.
func (s *Streamer) Device() *Device {
	if s == nil {
		return nil
	}
	return s.dev
}

// ReadSamples pushes nscans scans to sink, assembled at offsets 0..nscans-1, and
// returns nscans. It does not touch the cursor. For an external source, asking for
// more scans than the source holds fails with ErrOutOfRange before anything is pushed.
func (s *Streamer) ReadSamples(sink Sink, nscans int) (int, error) {
	if s == nil || s.dev == nil {
		return 0, ErrNoDevice
	}
	if nscans < 0 {
		return 0, fmt.Errorf("bulk read of %d scans: %w", nscans, ErrInvalidArgument)
	}
	src := s.dev.source
	if _, ok := src.(*ExternalSource); ok && nscans > src.Len() {
		return 0, fmt.Errorf("bulk read of %d scans from external buffer of length %d: %w",
			nscans, src.Len(), ErrOutOfRange)
	}
	mask := s.dev.active
	for i := 0; i < nscans; i++ {
		scan, err := AssembleScan(mask, src, i)
		if err != nil {
			return i, err
		}
		if _, err := sink.PushScan(scan); err != nil {
			return i, err
		}
	}
	return nscans, nil
}

// FillBuffer fills buf with as many scans as it can hold at the current mask.
func (s *Streamer) FillBuffer(buf *ScanBuffer) (int, error) {
	if s == nil || s.dev == nil {
		return 0, ErrNoDevice
	}
	return s.ReadSamples(buf, buf.ScanCapacity(s.dev.active.Count()))
}

// HandleTrigger assembles one scan at the cursor and pushes it to sink, returning
// the sink's result. The cursor advances (wrapping to 0 at the source length) only
// after a successful push, so a failed push is retried at the same offset.
func (s *Streamer) HandleTrigger(sink Sink) (int, error) {
	if s == nil || s.dev == nil {
		return 0, ErrNoDevice
	}
	src := s.dev.source
	scan, err := AssembleScan(s.dev.active, src, s.cursor)
	if err != nil {
		return 0, err
	}
	n, err := sink.PushScan(scan)
	if err != nil {
		return n, err
	}
	s.cursor++
	if s.cursor >= src.Len() {
		s.cursor = 0
	}
	return n, nil
}

// ScanBuffer is a fixed-size byte buffer that scans are pushed into, encoded per
// ScanType. It is the destination of a bulk read.
type ScanBuffer struct {
	data  []byte
	size  int
	scans int
}

// NewScanBuffer makes a ScanBuffer holding at most size bytes.
func NewScanBuffer(size int) *ScanBuffer {
	return &ScanBuffer{data: make([]byte, 0, size), size: size}
}

// ScanCapacity is how many scans over nactive channels fit in an empty buffer.
// With no active channels a scan is empty and the buffer holds none.
func (b *ScanBuffer) ScanCapacity(nactive int) int {
	bps := BytesPerScan(nactive)
	if bps == 0 {
		return 0
	}
	return b.size / bps
}

// PushScan appends the scan and returns the number of bytes written.
func (b *ScanBuffer) PushScan(scan Scan) (int, error) {
	n := BytesPerScan(len(scan))
	if len(b.data)+n > b.size {
		return 0, fmt.Errorf("scan buffer full (%d of %d bytes used, scan needs %d)", len(b.data), b.size, n)
	}
	b.data = scan.AppendBytes(b.data)
	b.scans++
	return n, nil
}

// Bytes returns the buffered data.
func (b *ScanBuffer) Bytes() []byte {
	return b.data
}

// Scans is the number of scans pushed since the last Reset.
func (b *ScanBuffer) Scans() int {
	return b.scans
}

// Reset empties the buffer.
func (b *ScanBuffer) Reset() {
	b.data = b.data[:0]
	b.scans = 0
}
