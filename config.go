package pqm

import (
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"
)

// DeviceFileConfig is the "device" section of the config file.
type DeviceFileConfig struct {
	GlobalAttrs    []uint32   // device attribute values; defaults when empty
	ChannelAttrs   [][]uint32 // channel attribute rows; defaults when empty
	ExternalBuffer string     // path to a (channels, samples) .npy file; synthetic source when empty
	Waveform       string     // synthetic table: "sine" (default) or "triangle"
	TriangleMin    uint32
	TriangleMax    uint32
	ActiveChannels uint32
}

// StreamingConfig is the "streaming" section of the config file, and the argument
// of DeviceControl.StartStreaming.
type StreamingConfig struct {
	TriggerRate float64 // triggers per second
	Publish     bool    // publish scans on Ports.Scans
}

// SetViperDefaults sets defaults for every key the server reads.
func SetViperDefaults() {
	viper.SetDefault("verbose", false)
	viper.SetDefault("device.waveform", "sine")
	viper.SetDefault("device.trianglemin", 0)
	viper.SetDefault("device.trianglemax", 64)
	viper.SetDefault("streaming.triggerrate", 1000.0)
	viper.SetDefault("streaming.publish", true)
	viper.SetDefault("buffer.size", 4096)
	viper.SetDefault("database.enabled", false)
}

// DeviceConfigFromFile turns the file form of a device config into a DeviceConfig,
// loading the external buffer if one is named.
func DeviceConfigFromFile(fc *DeviceFileConfig) (*DeviceConfig, error) {
	cfg := DefaultDeviceConfig()
	if len(fc.GlobalAttrs) > 0 {
		cfg.GlobalAttrs = fc.GlobalAttrs
	}
	if len(fc.ChannelAttrs) > 0 {
		cfg.ChannelAttrs = fc.ChannelAttrs
	}
	cfg.ActiveChannels = ChannelMask(fc.ActiveChannels)

	if fc.ExternalBuffer != "" {
		buffer, length, err := LoadExternalBuffer(fc.ExternalBuffer)
		if err != nil {
			return nil, err
		}
		cfg.ExternalBuffer = buffer
		cfg.ExternalLength = length
		return cfg, nil
	}

	switch strings.ToLower(fc.Waveform) {
	case "", "sine":
		cfg.Synthetic = SineLUT
	case "triangle":
		table, err := TriangleTable(RawType(fc.TriangleMin), RawType(fc.TriangleMax))
		if err != nil {
			return nil, err
		}
		cfg.Synthetic = table
	default:
		return nil, fmt.Errorf("waveform %q is not sine or triangle: %w", fc.Waveform, ErrInvalidArgument)
	}
	return cfg, nil
}

// LoadDeviceConfig reads the "device" section from viper.
func LoadDeviceConfig() (*DeviceConfig, error) {
	fc := DeviceFileConfig{
		ExternalBuffer: viper.GetString("device.externalbuffer"),
		Waveform:       viper.GetString("device.waveform"),
		TriangleMin:    viper.GetUint32("device.trianglemin"),
		TriangleMax:    viper.GetUint32("device.trianglemax"),
		ActiveChannels: viper.GetUint32("device.activechannels"),
	}
	if err := viper.UnmarshalKey("device.globalattrs", &fc.GlobalAttrs); err != nil {
		return nil, fmt.Errorf("could not read device.globalattrs: %w", err)
	}
	if err := viper.UnmarshalKey("device.channelattrs", &fc.ChannelAttrs); err != nil {
		return nil, fmt.Errorf("could not read device.channelattrs: %w", err)
	}
	if viper.GetBool("verbose") {
		UpdateLogger.Printf("device config from %q:\n%s", viper.ConfigFileUsed(), spew.Sdump(fc))
	}
	return DeviceConfigFromFile(&fc)
}

// LoadStreamingConfig reads the "streaming" section from viper.
func LoadStreamingConfig() StreamingConfig {
	return StreamingConfig{
		TriggerRate: viper.GetFloat64("streaming.triggerrate"),
		Publish:     viper.GetBool("streaming.publish"),
	}
}
