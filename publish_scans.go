package pqm

import (
	"encoding/binary"
	"fmt"

	"github.com/pebbe/zmq4"
)

// scanHeaderVersion is the first byte of every published scan header.
const scanHeaderVersion = 1

// ScanPublisher is a Sink that publishes every scan on a ZMQ PUB socket as a two-frame
// message: a header frame, then the scan bytes encoded per ScanType.
type ScanPublisher struct {
	socket *zmq4.Socket
	seq    uint64
	mask   ChannelMask
}

// NewScanPublisher binds a PUB socket on all interfaces at port.
func NewScanPublisher(port int) (*ScanPublisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	// Drop scans, rather than block the trigger loop, when subscribers fall behind.
	if err := socket.SetSndhwm(10000); err != nil {
		socket.Close()
		return nil, err
	}
	hostname := fmt.Sprintf("tcp://*:%d", port)
	if err := socket.Bind(hostname); err != nil {
		socket.Close()
		return nil, fmt.Errorf("could not bind scan publisher to %s: %w", hostname, err)
	}
	return &ScanPublisher{socket: socket}, nil
}

// SetMask records the channel mask that published headers will carry.
func (p *ScanPublisher) SetMask(mask ChannelMask) {
	p.mask = mask
}

// PushScan publishes one scan and returns the number of payload bytes sent.
func (p *ScanPublisher) PushScan(scan Scan) (int, error) {
	if p == nil || p.socket == nil {
		return 0, fmt.Errorf("scan publisher is closed")
	}
	header := scanHeader(p.seq, p.mask, len(scan))
	payload := scan.Bytes()
	// Both frames go in one call, so subscribers never see a header alone.
	if _, err := p.socket.SendMessage(header, payload); err != nil {
		return 0, err
	}
	p.seq++
	return len(payload), nil
}

// Published is the number of scans sent so far.
func (p *ScanPublisher) Published() uint64 {
	return p.seq
}

// Close releases the socket.
func (p *ScanPublisher) Close() error {
	if p == nil || p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}

// scanHeader packs the header frame: version (1 byte), number of samples (1 byte),
// channel mask (4 bytes) and sequence number (8 bytes), little-endian.
func scanHeader(seq uint64, mask ChannelMask, nsamples int) []byte {
	header := make([]byte, 0, 14)
	header = append(header, scanHeaderVersion, byte(nsamples))
	header = binary.LittleEndian.AppendUint32(header, uint32(mask))
	header = binary.LittleEndian.AppendUint64(header, seq)
	return header
}

// ScanHeader is the decoded form of a published header frame.
type ScanHeader struct {
	Version  byte
	Nsamples int
	Mask     ChannelMask
	Seq      uint64
}

// ParseScanHeader decodes a header frame made by ScanPublisher.
func ParseScanHeader(b []byte) (ScanHeader, error) {
	if len(b) != 14 {
		return ScanHeader{}, fmt.Errorf("scan header is %d bytes, want 14", len(b))
	}
	if b[0] != scanHeaderVersion {
		return ScanHeader{}, fmt.Errorf("scan header version %d, want %d", b[0], scanHeaderVersion)
	}
	return ScanHeader{
		Version:  b[0],
		Nsamples: int(b[1]),
		Mask:     ChannelMask(binary.LittleEndian.Uint32(b[2:])),
		Seq:      binary.LittleEndian.Uint64(b[6:]),
	}, nil
}
