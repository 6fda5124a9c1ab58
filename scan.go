package pqm

import (
	"encoding/binary"
	"fmt"
)

// Scan holds one sample per active channel, in ascending channel order.
type Scan []RawType

// AssembleScan walks mask from NoChannel and takes the sample at offset from src for
// each active channel, in walk order. A zero mask gives an empty scan and no error.
// If any sample fails, no scan is returned.
func AssembleScan(mask ChannelMask, src SampleSource, offset int) (Scan, error) {
	if src == nil {
		return nil, fmt.Errorf("assemble scan without a sample source: %w", ErrInvalidArgument)
	}
	scan := make(Scan, 0, mask.Count())
	for ch, ok := NextActive(mask, NoChannel); ok; ch, ok = NextActive(mask, ch) {
		v, err := src.Sample(ch, offset)
		if err != nil {
			return nil, err
		}
		scan = append(scan, v)
	}
	return scan, nil
}

// BytesPerScan is the wire size of a scan over nactive channels.
func BytesPerScan(nactive int) int {
	return nactive * ScanType.BytesPerSample()
}

// AppendBytes appends the wire encoding of the scan to b: each sample masked to
// ScanType.RealBits and stored big-endian in ScanType.StorageBits.
func (s Scan) AppendBytes(b []byte) []byte {
	const realMask = 1<<24 - 1
	for _, v := range s {
		b = binary.BigEndian.AppendUint32(b, uint32(v)&realMask)
	}
	return b
}

// Bytes is the wire encoding of the scan.
func (s Scan) Bytes() []byte {
	return s.AppendBytes(make([]byte, 0, BytesPerScan(len(s))))
}

// DecodeScan is the inverse of Scan.Bytes.
func DecodeScan(b []byte) (Scan, error) {
	n := ScanType.BytesPerSample()
	if len(b)%n != 0 {
		return nil, fmt.Errorf("scan payload of %d bytes is not a multiple of %d", len(b), n)
	}
	scan := make(Scan, len(b)/n)
	for i := range scan {
		scan[i] = RawType(binary.BigEndian.Uint32(b[i*n:]))
	}
	return scan, nil
}
