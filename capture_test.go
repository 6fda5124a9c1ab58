package pqm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.npy")
	_, err := NewRecorder(path, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	rec, err := NewRecorder(path, 0b101, 3)
	require.NoError(t, err)
	assert.Error(t, rec.Close(), "empty capture should not be written")

	for i := 0; i < 3; i++ {
		n, err := rec.PushScan(Scan{RawType(i), RawType(10 * i)})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}
	_, err = rec.PushScan(Scan{1, 2})
	assert.True(t, errors.Is(err, ErrCaptureFull), "capture beyond its limit")
	_, err = rec.PushScan(Scan{1})
	assert.Error(t, err, "scan of the wrong width")
	assert.Equal(t, 3, rec.Scans())
	require.NoError(t, rec.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var m mat.Dense
	require.NoError(t, npyio.Read(f, &m))
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 20.0, m.At(2, 1))
}

func TestExternalBufferFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "external.npy")
	buffer := rampBuffer(TotalChannels, 6)
	require.NoError(t, SaveExternalBuffer(path, buffer))
	loaded, length, err := LoadExternalBuffer(path)
	require.NoError(t, err)
	assert.Equal(t, 6, length)
	assert.Equal(t, buffer, loaded)

	assert.Error(t, SaveExternalBuffer(path, nil))
	assert.Error(t, SaveExternalBuffer(path, [][]RawType{{1, 2}, {3}}))
	_, _, err = LoadExternalBuffer(filepath.Join(t.TempDir(), "missing.npy"))
	assert.Error(t, err)
}

func TestMultiSink(t *testing.T) {
	a, b := &collectSink{}, &collectSink{}
	ms := MultiSink{a, b}
	n, err := ms.PushScan(Scan{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Len(t, a.scans, 1)
	assert.Len(t, b.scans, 1)

	a.err = errors.New("first sink failed")
	_, err = ms.PushScan(Scan{3, 4})
	assert.Equal(t, a.err, err)
	assert.Len(t, b.scans, 1, "later sinks must not see a scan an earlier sink refused")
}

func TestRawRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.bin")
	c, err := NewCapture("raw", path, 0b11, 4)
	require.NoError(t, err)
	scans := []Scan{{1, 2}, {3, 4}, {5, 6}, {7, 8}}
	for _, s := range scans {
		n, err := c.PushScan(s)
		require.NoError(t, err)
		assert.Equal(t, 8, n)
	}
	_, err = c.PushScan(Scan{9, 10})
	assert.True(t, errors.Is(err, ErrCaptureFull))
	assert.Equal(t, 4, c.Scans())
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 32)
	last, err := DecodeScan(data[24:])
	require.NoError(t, err)
	assert.Equal(t, Scan{7, 8}, last)

	_, err = NewCapture("hdf5", path, 0b11, 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = NewCapture("raw", path, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestMultiSinkWithFullCapture(t *testing.T) {
	dev := newSyntheticDevice(t, 0b1)
	st := NewStreamer(dev)
	live := &collectSink{}
	rec, err := NewRecorder(filepath.Join(t.TempDir(), "capture.npy"), 0b1, 2)
	require.NoError(t, err)
	ms := MultiSink{live, rec}

	var errs []error
	for i := 0; i < 5; i++ {
		_, err := st.HandleTrigger(ms)
		errs = append(errs, err)
	}
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	for _, err := range errs[2:] {
		assert.True(t, errors.Is(err, ErrCaptureFull))
	}
	assert.Len(t, live.scans, 2, "a scan the capture refuses must not reach the live sink")
	assert.Equal(t, 2, rec.Scans())
	assert.Equal(t, 2, st.Cursor())
}
