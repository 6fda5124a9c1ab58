package pqm

import (
	"fmt"
	"math/bits"
	"strings"
)

// ChannelIndex is the position of a channel in the device's channel table, and
// therefore also its bit number in a ChannelMask.
type ChannelIndex int

// NoChannel is the sentinel ChannelIndex. It is the "before first" value given to
// NextActive to begin a walk, and the value NextActive returns when the walk is done.
const NoChannel ChannelIndex = -1

// ChannelMask holds one bit per channel; bit i set means channel i is in every scan.
type ChannelMask uint32

// maxMaskBits is the number of channel bits a ChannelMask can carry.
const maxMaskBits = 32

// NextActive returns the lowest set bit of mask strictly above last, and true.
// When no set bit remains above last it returns (NoChannel, false). Starting from
// NoChannel and feeding each result back as last enumerates every set bit exactly
// once, ascending. The walk never wraps around to lower bits.
func NextActive(mask ChannelMask, last ChannelIndex) (ChannelIndex, bool) {
	candidate := int(last) + 1
	if candidate < 0 || candidate >= maxMaskBits {
		return NoChannel, false
	}
	rest := uint32(mask) >> uint(candidate)
	if rest == 0 {
		return NoChannel, false
	}
	for rest&1 == 0 {
		candidate++
		rest >>= 1
	}
	return ChannelIndex(candidate), true
}

// Indices returns the active channel indices in ascending order.
func (m ChannelMask) Indices() []ChannelIndex {
	idx := make([]ChannelIndex, 0, m.Count())
	for ch, ok := NextActive(m, NoChannel); ok; ch, ok = NextActive(m, ch) {
		idx = append(idx, ch)
	}
	return idx
}

// Count is the number of active channels, i.e. the length of every scan.
func (m ChannelMask) Count() int {
	return bits.OnesCount32(uint32(m))
}

// Has reports whether channel ch is active.
func (m ChannelMask) Has(ch ChannelIndex) bool {
	if ch < 0 || ch >= maxMaskBits {
		return false
	}
	return m&(1<<uint(ch)) != 0
}

// MaskOf builds a mask with the given channels set.
func MaskOf(channels ...ChannelIndex) ChannelMask {
	var m ChannelMask
	for _, ch := range channels {
		if ch >= 0 && ch < maxMaskBits {
			m |= 1 << uint(ch)
		}
	}
	return m
}

func (m ChannelMask) String() string {
	idx := m.Indices()
	names := make([]string, len(idx))
	for i, ch := range idx {
		if int(ch) < len(Channels) {
			names[i] = Channels[ch].Name
		} else {
			names[i] = fmt.Sprintf("chan%d", ch)
		}
	}
	return fmt.Sprintf("0x%02x[%s]", uint32(m), strings.Join(names, ","))
}

// ChannelKind says whether a channel measures voltage or current.
type ChannelKind int

// Names for the possible values of ChannelKind
const (
	VoltageChannel ChannelKind = iota
	CurrentChannel
)

func (k ChannelKind) String() string {
	switch k {
	case VoltageChannel:
		return "voltage"
	case CurrentChannel:
		return "current"
	default:
		return fmt.Sprintf("ChannelKind(%d)", int(k))
	}
}

// Channel counts of the reference configuration.
const (
	VoltageChannels = 3
	CurrentChannels = 4
	TotalChannels   = VoltageChannels + CurrentChannels
)

// Channel describes one entry of the device channel table.
type Channel struct {
	Name      string
	Kind      ChannelKind
	Index     int          // index among channels of the same kind
	ScanIndex ChannelIndex // position in the mask and in assembled scans
}

// Channels is the device channel table. Scans are assembled in this order:
// voltage channels first, then current channels.
var Channels = []Channel{
	{"ua", VoltageChannel, 0, 0},
	{"ub", VoltageChannel, 1, 1},
	{"uc", VoltageChannel, 2, 2},
	{"ia", CurrentChannel, 0, 3},
	{"ib", CurrentChannel, 1, 4},
	{"ic", CurrentChannel, 2, 5},
	{"in", CurrentChannel, 3, 6},
}

// ChannelByName looks up a channel of the table by its name.
func ChannelByName(name string) (Channel, error) {
	for _, c := range Channels {
		if c.Name == name {
			return c, nil
		}
	}
	return Channel{}, fmt.Errorf("channel %q: %w", name, ErrInvalidArgument)
}

// ScanFormat describes how each sample is stored in a scan on the wire.
type ScanFormat struct {
	Signed      bool
	RealBits    int
	StorageBits int
	Shift       int
	BigEndian   bool
}

// ScanType is the sample format of every PQM channel.
var ScanType = ScanFormat{Signed: false, RealBits: 24, StorageBits: 32, Shift: 0, BigEndian: true}

// BytesPerSample is the storage size of one sample.
func (f ScanFormat) BytesPerSample() int {
	return f.StorageBits / 8
}
