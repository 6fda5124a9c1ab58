package pqm

import "fmt"

// RawType holds one raw sample. Only the low 24 bits are significant (see ScanType).
type RawType uint32

// SampleSource supplies the sample of one channel at one offset. The two
// implementations are ExternalSource (samples captured by a real acquisition path)
// and SyntheticSource (a demo waveform from a lookup table).
type SampleSource interface {
	Sample(ch ChannelIndex, offset int) (RawType, error)
	Len() int
	Name() string
	sampleSource()
}

// ExternalSource serves samples from per-channel arrays owned by the caller.
// The source never copies, resizes or frees the arrays.
type ExternalSource struct {
	buffer [][]RawType
	length int
}

// NewExternalSource wraps buffer, which must hold at least length samples for each
// of its channels.
func NewExternalSource(buffer [][]RawType, length int) (*ExternalSource, error) {
	if length <= 0 {
		return nil, fmt.Errorf("external buffer length %d: %w", length, ErrInvalidArgument)
	}
	for i, b := range buffer {
		if len(b) < length {
			return nil, fmt.Errorf("external buffer channel %d has %d samples, want at least %d: %w",
				i, len(b), length, ErrInvalidArgument)
		}
	}
	return &ExternalSource{buffer: buffer, length: length}, nil
}

// Sample returns buffer[ch][offset].
func (es *ExternalSource) Sample(ch ChannelIndex, offset int) (RawType, error) {
	if offset < 0 || offset >= es.length {
		return 0, fmt.Errorf("offset %d of external buffer with length %d: %w", offset, es.length, ErrOutOfRange)
	}
	if ch < 0 || int(ch) >= len(es.buffer) {
		return 0, fmt.Errorf("channel %d of external buffer with %d channels: %w", ch, len(es.buffer), ErrOutOfRange)
	}
	return es.buffer[ch][offset], nil
}

// Len is the number of samples per channel.
func (es *ExternalSource) Len() int {
	return es.length
}

// Name identifies the variant.
func (es *ExternalSource) Name() string {
	return "external"
}

func (es *ExternalSource) sampleSource() {}

// SyntheticSource produces a repeating waveform from one lookup table shared by all
// channels. Sample picks table[(ch + offset*nchan) mod len(table)], where nchan is the
// total number of device channels (not the number of active ones). That combination
// fixes the relative phase of the channels in the demo waveform.
type SyntheticSource struct {
	table []RawType
	nchan int
}

// NewSyntheticSource makes a source over table for a device with nchan channels.
func NewSyntheticSource(table []RawType, nchan int) (*SyntheticSource, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("synthetic source needs a non-empty table: %w", ErrInvalidArgument)
	}
	if nchan <= 0 {
		return nil, fmt.Errorf("synthetic source with %d channels: %w", nchan, ErrInvalidArgument)
	}
	return &SyntheticSource{table: table, nchan: nchan}, nil
}

// Sample returns the table entry for channel ch at offset.
func (ss *SyntheticSource) Sample(ch ChannelIndex, offset int) (RawType, error) {
	if ch < 0 || offset < 0 {
		return 0, fmt.Errorf("synthetic sample (channel %d, offset %d): %w", ch, offset, ErrOutOfRange)
	}
	return ss.table[(int(ch)+offset*ss.nchan)%len(ss.table)], nil
}

// Len is the table width; the triggered cursor wraps there.
func (ss *SyntheticSource) Len() int {
	return len(ss.table)
}

// Name identifies the variant.
func (ss *SyntheticSource) Name() string {
	return "synthetic"
}

func (ss *SyntheticSource) sampleSource() {}

// SineLUT is the default synthetic table, used when no external buffer is configured.
var SineLUT = []RawType{
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
	0x0001, 0x0008, 0x000C, 0x0010, 0x0020, 0x0030, 0x0040,
}

// TriangleTable builds one cycle of a triangle wave rising from min to max and back,
// for use as a SyntheticSource table. The cycle has 2*(max-min) entries.
func TriangleTable(min, max RawType) ([]RawType, error) {
	if max <= min {
		return nil, fmt.Errorf("triangle table needs max > min, have min=%d max=%d: %w", min, max, ErrInvalidArgument)
	}
	nrise := max - min
	onecycle := make([]RawType, 2*int(nrise))
	var i RawType
	for i = 0; i < nrise; i++ {
		onecycle[i] = min + i
		onecycle[int(i)+int(nrise)] = max - i
	}
	return onecycle, nil
}
