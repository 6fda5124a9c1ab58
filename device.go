package pqm

import (
	"fmt"
	"strconv"
)

// DeviceConfig holds everything needed to construct a Device.
type DeviceConfig struct {
	GlobalAttrs  []uint32   // DeviceAttrCount values
	ChannelAttrs [][]uint32 // TotalChannels rows of ChannelAttrCount values

	// ExternalBuffer, if non-nil, selects an ExternalSource with ExternalLength samples
	// per channel. Otherwise Synthetic (or SineLUT when nil) feeds a SyntheticSource.
	ExternalBuffer [][]RawType
	ExternalLength int
	Synthetic      []RawType

	ActiveChannels ChannelMask
}

// DefaultDeviceConfig returns the reference initial attribute values, with no
// external buffer and no active channels.
func DefaultDeviceConfig() *DeviceConfig {
	cfg := &DeviceConfig{
		GlobalAttrs: []uint32{
			10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
			10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
			10, 20, 30, 40, 50, 60,
			0, 0, 0, // 4W_WYE, 230V_50HZ, 50
		},
		ChannelAttrs: make([][]uint32, TotalChannels),
	}
	for i := range cfg.ChannelAttrs {
		cfg.ChannelAttrs[i] = []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	}
	return cfg
}

// Device is one power-quality monitor: its attribute store, its active channel mask
// and the source its scans are assembled from. A Device is not safe for concurrent
// use; see TriggerLoop for how control requests are serialized with streaming.
type Device struct {
	attrs  AttributeStore
	active ChannelMask
	source SampleSource
	nchan  int
}

// NewDevice builds a Device from cfg.
func NewDevice(cfg *DeviceConfig) (*Device, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil device config: %w", ErrInvalidArgument)
	}
	d := &Device{nchan: TotalChannels}
	if err := d.checkMask(cfg.ActiveChannels); err != nil {
		return nil, err
	}
	d.active = cfg.ActiveChannels
	if len(cfg.GlobalAttrs) != DeviceAttrCount {
		return nil, fmt.Errorf("config has %d device attributes, want %d: %w",
			len(cfg.GlobalAttrs), DeviceAttrCount, ErrInvalidArgument)
	}
	copy(d.attrs.global[:], cfg.GlobalAttrs)
	if len(cfg.ChannelAttrs) != TotalChannels {
		return nil, fmt.Errorf("config has %d channel attribute rows, want %d: %w",
			len(cfg.ChannelAttrs), TotalChannels, ErrInvalidArgument)
	}
	for i, row := range cfg.ChannelAttrs {
		if len(row) != ChannelAttrCount {
			return nil, fmt.Errorf("config channel %d has %d attributes, want %d: %w",
				i, len(row), ChannelAttrCount, ErrInvalidArgument)
		}
		copy(d.attrs.channel[i][:], row)
	}

	var err error
	if cfg.ExternalBuffer != nil {
		if len(cfg.ExternalBuffer) != TotalChannels {
			return nil, fmt.Errorf("external buffer has %d channels, want %d: %w",
				len(cfg.ExternalBuffer), TotalChannels, ErrInvalidArgument)
		}
		d.source, err = NewExternalSource(cfg.ExternalBuffer, cfg.ExternalLength)
	} else {
		table := cfg.Synthetic
		if table == nil {
			table = SineLUT
		}
		d.source, err = NewSyntheticSource(table, d.nchan)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Remove releases the device state.
func (d *Device) Remove() error {
	if d == nil {
		return fmt.Errorf("remove device: %w", ErrInvalidArgument)
	}
	*d = Device{}
	return nil
}

// UpdateChannels records mask as the set of channels in every following scan.
func (d *Device) UpdateChannels(mask ChannelMask) error {
	if d == nil {
		return ErrNoDevice
	}
	if err := d.checkMask(mask); err != nil {
		return err
	}
	d.active = mask
	return nil
}

// checkMask rejects masks naming channels the device does not have.
func (d *Device) checkMask(mask ChannelMask) error {
	if d.nchan < maxMaskBits && mask>>uint(d.nchan) != 0 {
		return fmt.Errorf("mask 0x%x has bits beyond channel %d: %w", uint32(mask), d.nchan-1, ErrInvalidArgument)
	}
	return nil
}

// CloseChannels deactivates all channels.
func (d *Device) CloseChannels() error {
	if d == nil {
		return ErrNoDevice
	}
	d.active = 0
	return nil
}

// ActiveChannels returns the current channel mask.
func (d *Device) ActiveChannels() ChannelMask {
	if d == nil {
		return 0
	}
	return d.active
}

// Source returns the device's sample source.
func (d *Device) Source() SampleSource {
	if d == nil {
		return nil
	}
	return d.source
}

// Nchan is the total number of device channels.
func (d *Device) Nchan() int {
	if d == nil {
		return 0
	}
	return d.nchan
}

// Attributes gives direct access to the attribute store.
func (d *Device) Attributes() *AttributeStore {
	if d == nil {
		return nil
	}
	return &d.attrs
}

// ReadAttribute reads the device attribute called name, dispatching on its kind.
func (d *Device) ReadAttribute(name string) (string, error) {
	if d == nil {
		return "", ErrNoDevice
	}
	a, err := LookupDeviceAttribute(name)
	if err != nil {
		return "", err
	}
	switch a.Kind {
	case NumericAttr:
		return d.attrs.DeviceAttr(a.ID)
	case EnumAttr:
		return d.attrs.EnumAttr(a.Enum, a.ID)
	case AvailableAttr:
		return AvailableValues(a.Enum)
	}
	return "", fmt.Errorf("attribute %q has kind %d: %w", name, a.Kind, ErrInvalidArgument)
}

// WriteAttribute writes value to the device attribute called name. Read-only
// attributes reject every write.
func (d *Device) WriteAttribute(name, value string) error {
	if d == nil {
		return ErrNoDevice
	}
	a, err := LookupDeviceAttribute(name)
	if err != nil {
		return err
	}
	if !a.Writable {
		return fmt.Errorf("attribute %q is read-only: %w", name, ErrInvalidArgument)
	}
	switch a.Kind {
	case NumericAttr:
		return d.attrs.SetDeviceAttr(a.ID, value)
	case EnumAttr:
		return d.attrs.SetEnumAttr(a.Enum, a.ID, value)
	}
	return fmt.Errorf("attribute %q has kind %d: %w", name, a.Kind, ErrInvalidArgument)
}

// UpdateDeviceMeasurement stores a value for a numeric device attribute, including
// read-only measurements. It is how the measurement path hands results over.
func (d *Device) UpdateDeviceMeasurement(name string, value uint32) error {
	if d == nil {
		return ErrNoDevice
	}
	a, err := LookupDeviceAttribute(name)
	if err != nil {
		return err
	}
	if a.Kind != NumericAttr {
		return fmt.Errorf("attribute %q is not numeric: %w", name, ErrInvalidArgument)
	}
	return d.attrs.SetDeviceAttrValue(a.ID, value)
}

// ReadChannelAttribute reads attribute attrName of the channel called chanName.
func (d *Device) ReadChannelAttribute(chanName, attrName string) (string, error) {
	if d == nil {
		return "", ErrNoDevice
	}
	ch, err := ChannelByName(chanName)
	if err != nil {
		return "", err
	}
	a, err := LookupChannelAttribute(ch.Kind, attrName)
	if err != nil {
		return "", err
	}
	return d.attrs.ChannelAttr(ch, a.ID)
}

// UpdateMeasurement stores a value for attribute attrName of channel chanName.
func (d *Device) UpdateMeasurement(chanName, attrName string, value uint32) error {
	if d == nil {
		return ErrNoDevice
	}
	ch, err := ChannelByName(chanName)
	if err != nil {
		return err
	}
	a, err := LookupChannelAttribute(ch.Kind, attrName)
	if err != nil {
		return err
	}
	return d.attrs.SetChannelAttrValue(ch, a.ID, value)
}

// AttributeNames lists the device attributes and, prefixed by channel name, every
// channel attribute.
func (d *Device) AttributeNames() []string {
	names := make([]string, 0, len(DeviceAttributes)+TotalChannels*ChannelAttrCount)
	for _, a := range DeviceAttributes {
		names = append(names, a.Name)
	}
	for _, ch := range Channels {
		attrs, _ := ChannelAttributesOf(ch.Kind)
		for _, a := range attrs {
			names = append(names, ch.Name+"."+a.Name)
		}
	}
	return names
}

// AttributeSnapshot formats every device attribute, for status reports.
func (d *Device) AttributeSnapshot() map[string]string {
	snap := make(map[string]string)
	if d == nil {
		return snap
	}
	for _, a := range DeviceAttributes {
		if a.Kind == AvailableAttr {
			continue
		}
		if v, err := d.ReadAttribute(a.Name); err == nil {
			snap[a.Name] = v
		} else {
			snap[a.Name] = "error: " + strconv.Quote(err.Error())
		}
	}
	return snap
}
