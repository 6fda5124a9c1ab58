package pqm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDevice(t *testing.T) {
	dev, err := NewDevice(DefaultDeviceConfig())
	require.NoError(t, err)
	assert.Equal(t, "synthetic", dev.Source().Name())
	assert.Equal(t, TotalChannels, dev.Nchan())
	assert.Equal(t, ChannelMask(0), dev.ActiveChannels())

	v, err := dev.ReadAttribute("nominal_voltage")
	require.NoError(t, err)
	assert.Equal(t, "10", v)
	v, err = dev.ReadAttribute("v_consel")
	require.NoError(t, err)
	assert.Equal(t, "4W_WYE", v)
	v, err = dev.ReadChannelAttribute("ua", "raw")
	require.NoError(t, err)
	assert.Equal(t, "10", v)

	_, err = NewDevice(nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	cfg := DefaultDeviceConfig()
	cfg.GlobalAttrs = cfg.GlobalAttrs[:5]
	_, err = NewDevice(cfg)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	cfg = DefaultDeviceConfig()
	cfg.ChannelAttrs[3] = []uint32{1}
	_, err = NewDevice(cfg)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	cfg = DefaultDeviceConfig()
	cfg.ExternalBuffer = rampBuffer(3, 10)
	cfg.ExternalLength = 10
	_, err = NewDevice(cfg)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	cfg.ExternalBuffer = rampBuffer(TotalChannels, 10)
	cfg.ExternalLength = 11
	_, err = NewDevice(cfg)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	cfg.ExternalLength = 10
	dev, err = NewDevice(cfg)
	require.NoError(t, err)
	assert.Equal(t, "external", dev.Source().Name())
	assert.Equal(t, 10, dev.Source().Len())
}

func TestDeviceChannels(t *testing.T) {
	dev, err := NewDevice(DefaultDeviceConfig())
	require.NoError(t, err)
	require.NoError(t, dev.UpdateChannels(0b1010101))
	assert.Equal(t, ChannelMask(0b1010101), dev.ActiveChannels())
	require.NoError(t, dev.CloseChannels())
	assert.Equal(t, ChannelMask(0), dev.ActiveChannels())

	var nodev *Device
	assert.Equal(t, ErrNoDevice, nodev.UpdateChannels(1))
	assert.Equal(t, ErrNoDevice, nodev.CloseChannels())
	assert.True(t, errors.Is(nodev.Remove(), ErrInvalidArgument))

	require.NoError(t, dev.Remove())
	assert.Nil(t, dev.Source())
}

func TestDeviceWriteAttribute(t *testing.T) {
	dev, err := NewDevice(DefaultDeviceConfig())
	require.NoError(t, err)

	require.NoError(t, dev.WriteAttribute("swell_threshold", "110"))
	v, _ := dev.ReadAttribute("swell_threshold")
	assert.Equal(t, "110", v)

	require.NoError(t, dev.WriteAttribute("flicker_model", "120V_60HZ"))
	v, _ = dev.ReadAttribute("flicker_model")
	assert.Equal(t, "120V_60HZ", v)
	raw, _ := dev.Attributes().DeviceAttrValue(FlickerModelAttrID)
	assert.Equal(t, uint32(3), raw)

	for _, name := range []string{"u2", "szro_current", "v_consel_available", "nominal_frequency_available"} {
		err := dev.WriteAttribute(name, "1")
		assert.True(t, errors.Is(err, ErrInvalidArgument), "write to %s", name)
	}
	v, _ = dev.ReadAttribute("nominal_frequency_available")
	assert.Equal(t, "50 60", v)

	assert.Error(t, dev.WriteAttribute("nominal_frequency", "55"))
	assert.Error(t, dev.WriteAttribute("no_such_attr", "1"))
	_, err = dev.ReadAttribute("no_such_attr")
	assert.Error(t, err)
}

func TestDeviceMeasurements(t *testing.T) {
	dev, err := NewDevice(DefaultDeviceConfig())
	require.NoError(t, err)
	require.NoError(t, dev.UpdateDeviceMeasurement("u2", 1234))
	v, _ := dev.ReadAttribute("u2")
	assert.Equal(t, "1234", v)
	assert.Error(t, dev.UpdateDeviceMeasurement("v_consel", 1))

	require.NoError(t, dev.UpdateMeasurement("ib", "thd", 42))
	v, err = dev.ReadChannelAttribute("ib", "thd")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
	// ib thd lives in row V+1, id 2.
	ib, _ := ChannelByName("ib")
	raw, _ := dev.Attributes().ChannelAttrValue(ib, 2)
	assert.Equal(t, uint32(42), raw)

	assert.Error(t, dev.UpdateMeasurement("ib", "pst", 1))
	assert.Error(t, dev.UpdateMeasurement("iz", "rms", 1))
	_, err = dev.ReadChannelAttribute("ua", "bogus")
	assert.Error(t, err)
}

func TestAttributeNames(t *testing.T) {
	dev, err := NewDevice(DefaultDeviceConfig())
	require.NoError(t, err)
	names := dev.AttributeNames()
	want := len(DeviceAttributes) + VoltageChannels*len(VoltageChannelAttributes) +
		CurrentChannels*len(CurrentChannelAttributes)
	assert.Len(t, names, want)
	assert.Contains(t, names, "ua.pst")
	assert.Contains(t, names, "in.raw")
	assert.NotContains(t, names, "in.pst")

	snap := dev.AttributeSnapshot()
	assert.Equal(t, "50", snap["nominal_frequency"])
	_, ok := snap["v_consel_available"]
	assert.False(t, ok)
}

func TestDeviceRejectsMissingChannels(t *testing.T) {
	cfg := DefaultDeviceConfig()
	cfg.ActiveChannels = 0x80
	_, err := NewDevice(cfg)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "mask naming channel 7 of 7")

	cfg.ActiveChannels = 0b1111111
	dev, err := NewDevice(cfg)
	require.NoError(t, err)

	err = dev.UpdateChannels(0x300)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, ChannelMask(0b1111111), dev.ActiveChannels(), "rejected mask must not replace the old one")

	// Every channel the walk visits exists on the device.
	scan, err := AssembleScan(dev.ActiveChannels(), dev.Source(), 0)
	require.NoError(t, err)
	assert.Len(t, scan, TotalChannels)
}
