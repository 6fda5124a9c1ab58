package pqm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeScans(t *testing.T) {
	scans := []Scan{{2, 10}, {4, 10}, {6, 10}}
	sum, err := SummarizeScans(scans, MaskOf(1, 3))
	require.NoError(t, err)
	require.Len(t, sum, 2)
	assert.Equal(t, "ub", sum[0].Name)
	assert.InDelta(t, 4.0, sum[0].Mean, 1e-12)
	assert.InDelta(t, 2.0, sum[0].StdDev, 1e-12)
	assert.Equal(t, 2.0, sum[0].Min)
	assert.Equal(t, 6.0, sum[0].Max)
	assert.Equal(t, "ia", sum[1].Name)
	assert.Equal(t, 0.0, sum[1].StdDev)

	sum, err = SummarizeScans(scans[:1], MaskOf(1, 3))
	require.NoError(t, err)
	assert.Equal(t, 0.0, sum[0].StdDev)

	_, err = SummarizeScans(scans, MaskOf(1))
	assert.Error(t, err)
	sum, err = SummarizeScans(nil, MaskOf(1))
	require.NoError(t, err)
	assert.Empty(t, sum)
}

func TestSummarizeBuffer(t *testing.T) {
	buf := NewScanBuffer(64)
	for _, s := range []Scan{{1, 5}, {3, 5}} {
		_, err := buf.PushScan(s)
		require.NoError(t, err)
	}
	sum, err := SummarizeBuffer(buf.Bytes(), 0b11)
	require.NoError(t, err)
	require.Len(t, sum, 2)
	assert.Equal(t, 2.0, sum[0].Mean)
	assert.Equal(t, 5.0, sum[1].Max)

	_, err = SummarizeBuffer(buf.Bytes()[:7], 0b11)
	assert.Error(t, err)
	sum, err = SummarizeBuffer(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, sum)
}
