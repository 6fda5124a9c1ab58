package pqm

import (
	"fmt"
	"strconv"
	"strings"
)

// Sizes of the attribute tables.
const (
	DeviceAttrCount  = 29 // per-device attributes, ids 0..28
	ChannelAttrCount = 10 // per-channel attributes, ids 0..9
)

// Device attribute ids that hold an enumeration index.
const (
	VConselAttrID          = 26
	FlickerModelAttrID     = 27
	NominalFrequencyAttrID = 28
)

// EnumKind names one of the closed enumerations.
type EnumKind int

// The enumerations a device attribute can take its value from.
const (
	VConsel EnumKind = iota
	FlickerModel
	NominalFrequency
)

// Vocabularies lists the valid strings of each enumeration, in declaration order.
// The stored value of an enum attribute is an index into its vocabulary.
var Vocabularies = [...][]string{
	VConsel:          {"4W_WYE", "4W_WYE_NON_BLONDEL", "3W_DELTA", "3W_DELTA_2", "4W_DELTA_NON_BLONDEL"},
	FlickerModel:     {"230V_50HZ", "120V_50HZ", "230V_60HZ", "120V_60HZ"},
	NominalFrequency: {"50", "60"},
}

func (k EnumKind) String() string {
	switch k {
	case VConsel:
		return "v_consel"
	case FlickerModel:
		return "flicker_model"
	case NominalFrequency:
		return "nominal_frequency"
	default:
		return fmt.Sprintf("EnumKind(%d)", int(k))
	}
}

func (k EnumKind) vocabulary() ([]string, error) {
	if k < 0 || int(k) >= len(Vocabularies) {
		return nil, fmt.Errorf("enumeration %v: %w", k, ErrInvalidArgument)
	}
	return Vocabularies[k], nil
}

// EnumIndex finds value in the vocabulary of kind.
func EnumIndex(kind EnumKind, value string) (int, error) {
	vocab, err := kind.vocabulary()
	if err != nil {
		return 0, err
	}
	for i, v := range vocab {
		if v == value {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%q is not a %v value: %w", value, kind, ErrInvalidArgument)
}

// AttributeStore holds the per-device and per-channel attribute values. Channel rows
// are in channel-table order, so current channel i lives in row VoltageChannels+i.
type AttributeStore struct {
	global  [DeviceAttrCount]uint32
	channel [TotalChannels][ChannelAttrCount]uint32
}

func checkDeviceAttrID(id int) error {
	if id < 0 || id >= DeviceAttrCount {
		return fmt.Errorf("device attribute id %d: %w", id, ErrInvalidArgument)
	}
	return nil
}

// DeviceAttrValue returns the stored integer of device attribute id.
func (as *AttributeStore) DeviceAttrValue(id int) (uint32, error) {
	if err := checkDeviceAttrID(id); err != nil {
		return 0, err
	}
	return as.global[id], nil
}

// SetDeviceAttrValue overwrites device attribute id.
func (as *AttributeStore) SetDeviceAttrValue(id int, value uint32) error {
	if err := checkDeviceAttrID(id); err != nil {
		return err
	}
	as.global[id] = value
	return nil
}

// DeviceAttr formats device attribute id as decimal text.
func (as *AttributeStore) DeviceAttr(id int) (string, error) {
	v, err := as.DeviceAttrValue(id)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(v), 10), nil
}

// SetDeviceAttr parses an unsigned decimal from text and stores it with no range
// validation. Text that is not a uint32 leaves the store untouched.
func (as *AttributeStore) SetDeviceAttr(id int, text string) error {
	if err := checkDeviceAttrID(id); err != nil {
		return err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(text), 10, 32)
	if err != nil {
		return fmt.Errorf("device attribute %d value %q: %w", id, text, ErrInvalidArgument)
	}
	as.global[id] = uint32(v)
	return nil
}

func channelRow(ch Channel) (int, error) {
	switch ch.Kind {
	case VoltageChannel:
		if ch.Index < 0 || ch.Index >= VoltageChannels {
			return 0, fmt.Errorf("voltage channel %d: %w", ch.Index, ErrInvalidArgument)
		}
		return ch.Index, nil
	case CurrentChannel:
		if ch.Index < 0 || ch.Index >= CurrentChannels {
			return 0, fmt.Errorf("current channel %d: %w", ch.Index, ErrInvalidArgument)
		}
		return VoltageChannels + ch.Index, nil
	default:
		return 0, fmt.Errorf("channel kind %v: %w", ch.Kind, ErrInvalidArgument)
	}
}

// ChannelAttrValue returns attribute id of channel ch. The channel kind selects the
// sub-range of the combined table.
func (as *AttributeStore) ChannelAttrValue(ch Channel, id int) (uint32, error) {
	if id < 0 || id >= ChannelAttrCount {
		return 0, fmt.Errorf("channel attribute id %d: %w", id, ErrInvalidArgument)
	}
	row, err := channelRow(ch)
	if err != nil {
		return 0, err
	}
	return as.channel[row][id], nil
}

// ChannelAttr formats attribute id of channel ch as decimal text.
func (as *AttributeStore) ChannelAttr(ch Channel, id int) (string, error) {
	v, err := as.ChannelAttrValue(ch, id)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(v), 10), nil
}

// SetChannelAttrValue stores a measurement value for channel ch.
func (as *AttributeStore) SetChannelAttrValue(ch Channel, id int, value uint32) error {
	if id < 0 || id >= ChannelAttrCount {
		return fmt.Errorf("channel attribute id %d: %w", id, ErrInvalidArgument)
	}
	row, err := channelRow(ch)
	if err != nil {
		return err
	}
	as.channel[row][id] = value
	return nil
}

// EnumAttr returns the vocabulary string of kind at the index stored in device
// attribute id.
func (as *AttributeStore) EnumAttr(kind EnumKind, id int) (string, error) {
	if err := checkDeviceAttrID(id); err != nil {
		return "", err
	}
	vocab, err := kind.vocabulary()
	if err != nil {
		return "", err
	}
	idx := as.global[id]
	if int(idx) >= len(vocab) {
		return "", fmt.Errorf("attribute %d holds %d, beyond the %v vocabulary: %w", id, idx, kind, ErrOutOfRange)
	}
	return vocab[idx], nil
}

// SetEnumAttr stores the index of value in the vocabulary of kind. A value that is
// not in the vocabulary is rejected and the store is left unchanged.
func (as *AttributeStore) SetEnumAttr(kind EnumKind, id int, value string) error {
	if err := checkDeviceAttrID(id); err != nil {
		return err
	}
	idx, err := EnumIndex(kind, value)
	if err != nil {
		return err
	}
	as.global[id] = uint32(idx)
	return nil
}

// AvailableValues lists the vocabulary of kind, space separated.
func AvailableValues(kind EnumKind) (string, error) {
	vocab, err := kind.vocabulary()
	if err != nil {
		return "", err
	}
	return strings.Join(vocab, " "), nil
}

// AttrKind selects how an attribute is read and written.
type AttrKind int

// The attribute kinds.
const (
	NumericAttr   AttrKind = iota // decimal integer stored in the device table
	EnumAttr                      // vocabulary string, stored as its index
	AvailableAttr                 // read-only listing of a vocabulary
)

// DeviceAttribute describes one named device attribute.
type DeviceAttribute struct {
	Name     string
	Kind     AttrKind
	ID       int      // device table id (NumericAttr, EnumAttr)
	Enum     EnumKind // vocabulary (EnumAttr, AvailableAttr)
	Writable bool
}

func measured(name string, id int) DeviceAttribute {
	return DeviceAttribute{Name: name, Kind: NumericAttr, ID: id}
}

func setting(name string, id int) DeviceAttribute {
	return DeviceAttribute{Name: name, Kind: NumericAttr, ID: id, Writable: true}
}

// DeviceAttributes is the device attribute table exposed to hosts.
var DeviceAttributes = []DeviceAttribute{
	measured("u2", 0),
	measured("u0", 1),
	measured("sneg_voltage", 2),
	measured("spos_voltage", 3),
	measured("szro_voltage", 4),
	measured("i2", 5),
	measured("i0", 6),
	measured("sneg_current", 7),
	measured("spos_current", 8),
	measured("szro_current", 9),
	setting("nominal_voltage", 10),
	setting("voltage_scale", 11),
	setting("current_scale", 12),
	setting("i_consel_en", 13),
	setting("dip_threshold", 14),
	setting("dip_hysteresis", 15),
	setting("swell_threshold", 16),
	setting("swell_hysteresis", 17),
	setting("intrp_threshold", 18),
	setting("intrp_hysteresis", 19),
	setting("rvc_threshold", 20),
	setting("rvc_hysteresis", 21),
	setting("msv_carrier_frequency", 22),
	setting("msv_record_length", 23),
	setting("msv_threshold", 24),
	setting("sampling_frequency", 25),
	{Name: "v_consel", Kind: EnumAttr, ID: VConselAttrID, Enum: VConsel, Writable: true},
	{Name: "v_consel_available", Kind: AvailableAttr, Enum: VConsel},
	{Name: "flicker_model", Kind: EnumAttr, ID: FlickerModelAttrID, Enum: FlickerModel, Writable: true},
	{Name: "flicker_model_available", Kind: AvailableAttr, Enum: FlickerModel},
	{Name: "nominal_frequency", Kind: EnumAttr, ID: NominalFrequencyAttrID, Enum: NominalFrequency, Writable: true},
	{Name: "nominal_frequency_available", Kind: AvailableAttr, Enum: NominalFrequency},
}

// LookupDeviceAttribute finds a device attribute by name.
func LookupDeviceAttribute(name string) (DeviceAttribute, error) {
	for _, a := range DeviceAttributes {
		if a.Name == name {
			return a, nil
		}
	}
	return DeviceAttribute{}, fmt.Errorf("device attribute %q: %w", name, ErrInvalidArgument)
}

// ChannelAttribute describes one named per-channel attribute.
type ChannelAttribute struct {
	Name string
	ID   int
}

// Per-channel attribute tables. Current channels expose fewer measurements, so the
// same name can map to a different id depending on the channel kind.
var (
	VoltageChannelAttributes = []ChannelAttribute{
		{"rms", 0}, {"angle", 1}, {"deviation_under", 2}, {"deviation_over", 3},
		{"pinst", 4}, {"pst", 5}, {"plt", 6}, {"thd", 7}, {"harmonics", 8}, {"raw", 9},
	}
	CurrentChannelAttributes = []ChannelAttribute{
		{"rms", 0}, {"angle", 1}, {"thd", 2}, {"harmonics", 3}, {"raw", 4},
	}
)

// ChannelAttributesOf returns the attribute table for channels of kind k.
func ChannelAttributesOf(k ChannelKind) ([]ChannelAttribute, error) {
	switch k {
	case VoltageChannel:
		return VoltageChannelAttributes, nil
	case CurrentChannel:
		return CurrentChannelAttributes, nil
	default:
		return nil, fmt.Errorf("channel kind %v: %w", k, ErrInvalidArgument)
	}
}

// LookupChannelAttribute finds the attribute called name on channels of kind k.
func LookupChannelAttribute(k ChannelKind, name string) (ChannelAttribute, error) {
	attrs, err := ChannelAttributesOf(k)
	if err != nil {
		return ChannelAttribute{}, err
	}
	for _, a := range attrs {
		if a.Name == name {
			return a, nil
		}
	}
	return ChannelAttribute{}, fmt.Errorf("%v channel attribute %q: %w", k, name, ErrInvalidArgument)
}
