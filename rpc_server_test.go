package pqm

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pqmlab/pqm/internal/pqmdb"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher stands in for the ZMQ scan publisher.
type fakePublisher struct {
	sync.Mutex
	scans  []Scan
	mask   ChannelMask
	closed bool
}

func (fp *fakePublisher) PushScan(scan Scan) (int, error) {
	fp.Lock()
	defer fp.Unlock()
	fp.scans = append(fp.scans, append(Scan(nil), scan...))
	return BytesPerScan(len(scan)), nil
}

func (fp *fakePublisher) SetMask(mask ChannelMask) {
	fp.Lock()
	defer fp.Unlock()
	fp.mask = mask
}

func (fp *fakePublisher) Close() error {
	fp.Lock()
	defer fp.Unlock()
	fp.closed = true
	return nil
}

func (fp *fakePublisher) published() []Scan {
	fp.Lock()
	defer fp.Unlock()
	return append([]Scan(nil), fp.scans...)
}

// newTestControl makes a DeviceControl whose client updates are drained and
// discarded, and which never opens network sockets.
func newTestControl(t *testing.T, cfg *DeviceConfig) *DeviceControl {
	t.Helper()
	viper.Reset()
	SetViperDefaults()
	viper.Set("streaming.triggerrate", 500.0)

	updates := make(chan ClientUpdate, 10)
	go func() {
		for range updates {
		}
	}()
	abort := make(chan struct{})
	dc, err := NewDeviceControl(cfg, updates, pqmdb.DummyConnection(), abort)
	require.NoError(t, err)
	dc.newPublisher = func() (scanPublisher, error) { return nil, errors.New("no publishing in tests") }
	t.Cleanup(func() {
		dc.shutdown()
		close(abort)
		<-dc.loop.done
		close(updates)
		viper.Reset()
	})
	return dc
}

func TestRPCAttributes(t *testing.T) {
	dc := newTestControl(t, DefaultDeviceConfig())

	var value string
	require.NoError(t, dc.ReadAttribute(&AttributeArgs{Name: "flicker_model"}, &value))
	assert.Equal(t, "230V_50HZ", value)

	var okay bool
	require.NoError(t, dc.WriteAttribute(&AttributeArgs{Name: "flicker_model", Value: "120V_50HZ"}, &okay))
	assert.True(t, okay)
	require.NoError(t, dc.ReadAttribute(&AttributeArgs{Name: "flicker_model"}, &value))
	assert.Equal(t, "120V_50HZ", value)

	err := dc.WriteAttribute(&AttributeArgs{Name: "u0", Value: "3"}, &okay)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.False(t, okay)
	err = dc.WriteAttribute(&AttributeArgs{Channel: "ua", Name: "rms", Value: "3"}, &okay)
	assert.Error(t, err)

	require.NoError(t, dc.UpdateMeasurement(&MeasurementArgs{Channel: "ic", Name: "rms", Value: 321}, &okay))
	require.NoError(t, dc.ReadAttribute(&AttributeArgs{Channel: "ic", Name: "rms"}, &value))
	assert.Equal(t, "321", value)
	require.NoError(t, dc.UpdateMeasurement(&MeasurementArgs{Name: "i2", Value: 7}, &okay))
	require.NoError(t, dc.ReadAttribute(&AttributeArgs{Name: "i2"}, &value))
	assert.Equal(t, "7", value)

	var names []string
	require.NoError(t, dc.ListAttributes(nil, &names))
	assert.Contains(t, names, "uc.deviation_over")
}

func TestRPCChannelsAndBuffer(t *testing.T) {
	cfg := DefaultDeviceConfig()
	cfg.ExternalBuffer = rampBuffer(TotalChannels, 50)
	cfg.ExternalLength = 50
	dc := newTestControl(t, cfg)

	var okay bool
	require.NoError(t, dc.SetActiveChannels(&ChannelsArgs{Names: []string{"ub", "in"}}, &okay))
	var st ServerStatus
	require.NoError(t, dc.Status(nil, &st))
	assert.Equal(t, uint32(0b1000010), st.ActiveChannels)
	assert.Equal(t, []string{"ub", "in"}, st.ChannelNames)
	assert.Equal(t, "external", st.SourceName)

	err := dc.SetActiveChannels(&ChannelsArgs{Mask: 1 << 7}, &okay)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Error(t, dc.SetActiveChannels(&ChannelsArgs{Names: []string{"ux"}}, &okay))

	var reply ReadBufferReply
	require.NoError(t, dc.ReadBuffer(&ReadBufferArgs{Size: 40}, &reply))
	assert.Equal(t, 5, reply.Nscans)
	assert.Len(t, reply.Data, 40)
	require.Len(t, reply.Summary, 2)
	assert.Equal(t, "ub", reply.Summary[0].Name)
	assert.Equal(t, 102.0, reply.Summary[0].Mean)
	assert.Equal(t, 604.0, reply.Summary[1].Max)

	// The default buffer holds more scans than the external source has.
	err = dc.ReadBuffer(&ReadBufferArgs{}, &reply)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	require.NoError(t, dc.CloseChannels(nil, &okay))
	require.NoError(t, dc.Status(nil, &st))
	assert.Equal(t, uint32(0), st.ActiveChannels)
}

func TestRPCCapture(t *testing.T) {
	cfg := DefaultDeviceConfig()
	cfg.ActiveChannels = 0b111
	dc := newTestControl(t, cfg)

	var okay bool
	err := dc.StartStreaming(&StreamingConfig{TriggerRate: 100}, &okay)
	assert.Error(t, err, "streaming with nowhere to send scans")

	path := filepath.Join(t.TempDir(), "capture.npy")
	require.NoError(t, dc.StartCapture(&CaptureArgs{Path: path, MaxScans: 20}, &okay))
	assert.Error(t, dc.StartCapture(&CaptureArgs{Path: path}, &okay))
	assert.Error(t, dc.SetActiveChannels(&ChannelsArgs{Mask: 1}, &okay))

	assert.Eventually(t, func() bool {
		var st ServerStatus
		dc.Status(nil, &st)
		return !st.Running && st.Capturing && st.CaptureFull
	}, 3*time.Second, 10*time.Millisecond, "streaming started by the capture should stop when it fills")

	var st ServerStatus
	require.NoError(t, dc.Status(nil, &st))
	assert.Equal(t, 20, st.CaptureScans)
	assert.Equal(t, uint64(0), st.Stream.Failures, "a full capture is not a trigger failure")

	var nscans int
	require.NoError(t, dc.StopCapture(nil, &nscans))
	assert.Equal(t, 20, nscans)
	require.NoError(t, dc.Status(nil, &st))
	assert.False(t, st.Running)
	assert.False(t, st.Capturing)

	// The capture file has one row per scan.
	rows, ncols, err := LoadExternalBuffer(path)
	require.NoError(t, err)
	assert.Len(t, rows, 20)
	assert.Equal(t, 3, ncols)

	var dummy string
	assert.Error(t, dc.StopCapture(&dummy, &nscans))
	assert.Error(t, dc.StopStreaming(&dummy, &okay))
}

func TestPublishingOutlivesFullCapture(t *testing.T) {
	const length = 50
	cfg := DefaultDeviceConfig()
	cfg.ExternalBuffer = rampBuffer(TotalChannels, length)
	cfg.ExternalLength = length
	cfg.ActiveChannels = 0b1
	dc := newTestControl(t, cfg)
	fp := &fakePublisher{}
	dc.newPublisher = func() (scanPublisher, error) { return fp, nil }

	var okay bool
	require.NoError(t, dc.StartStreaming(&StreamingConfig{TriggerRate: 500, Publish: true}, &okay))
	path := filepath.Join(t.TempDir(), "capture.npy")
	require.NoError(t, dc.StartCapture(&CaptureArgs{Path: path, MaxScans: 3}, &okay))

	assert.Eventually(t, func() bool {
		var st ServerStatus
		dc.Status(nil, &st)
		return st.CaptureFull && st.Stream.Triggers >= 10
	}, 3*time.Second, 5*time.Millisecond)
	n := len(fp.published())
	assert.Eventually(t, func() bool { return len(fp.published()) >= n+10 }, 3*time.Second, 5*time.Millisecond,
		"publishing must go on after the capture fills")

	var st ServerStatus
	require.NoError(t, dc.Status(nil, &st))
	assert.True(t, st.Running)
	assert.Equal(t, uint64(0), st.Stream.Failures)
	assert.Equal(t, 3, st.CaptureScans)

	// Every published scan follows the one before it: none repeated, none skipped.
	scans := fp.published()
	for i := 1; i < len(scans); i++ {
		assert.Equal(t, (scans[i-1][0]+1)%length, scans[i][0], "scan %d", i)
	}

	var nscans int
	require.NoError(t, dc.StopCapture(nil, &nscans))
	assert.Equal(t, 3, nscans)
	require.NoError(t, dc.Status(nil, &st))
	assert.True(t, st.Running, "streaming that was publishing keeps going")
	require.NoError(t, dc.StopStreaming(nil, &okay))
}

func TestStartStreamingFailureKeepsPublishingOff(t *testing.T) {
	dc := newTestControl(t, DefaultDeviceConfig())
	fp := &fakePublisher{}
	dc.newPublisher = func() (scanPublisher, error) { return fp, nil }

	var okay bool
	err := dc.StartStreaming(&StreamingConfig{TriggerRate: 0, Publish: true}, &okay)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.False(t, okay)

	var publishing, running bool
	require.NoError(t, dc.do(func() error {
		publishing, running = dc.publishing, dc.status.Running
		return nil
	}))
	assert.False(t, publishing)
	assert.False(t, running)
}

func TestNoClientUpdatesAfterLoopStops(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetViperDefaults()
	updates := make(chan ClientUpdate, 10)
	abort := make(chan struct{})
	dc, err := NewDeviceControl(DefaultDeviceConfig(), updates, pqmdb.DummyConnection(), abort)
	require.NoError(t, err)

	var okay bool
	require.NoError(t, dc.SendAllStatus(nil, &okay))
	assert.Len(t, updates, 3)
	for len(updates) > 0 {
		<-updates
	}

	close(abort)
	<-dc.loop.done
	var reply ReadBufferReply
	assert.Equal(t, errLoopStopped, dc.ReadBuffer(&ReadBufferArgs{Size: 32}, &reply))
	require.NoError(t, dc.SendAllStatus(nil, &okay))
	dc.shutdown()
	assert.Len(t, updates, 0, "nothing may be sent once the loop is gone")
}
