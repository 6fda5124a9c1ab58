package pqm

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChannelSummary gives simple statistics of one channel over a block of scans.
type ChannelSummary struct {
	Name   string
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// SummarizeScans computes per-channel statistics of scans assembled over mask.
func SummarizeScans(scans []Scan, mask ChannelMask) ([]ChannelSummary, error) {
	idx := mask.Indices()
	if len(scans) == 0 || len(idx) == 0 {
		return []ChannelSummary{}, nil
	}
	columns := make([][]float64, len(idx))
	for i := range columns {
		columns[i] = make([]float64, len(scans))
	}
	for j, scan := range scans {
		if len(scan) != len(idx) {
			return nil, fmt.Errorf("scan %d has %d samples, mask %v has %d channels", j, len(scan), mask, len(idx))
		}
		for i, v := range scan {
			columns[i][j] = float64(v)
		}
	}

	summaries := make([]ChannelSummary, len(idx))
	for i, ch := range idx {
		mean, std := stat.MeanStdDev(columns[i], nil)
		if len(scans) == 1 {
			std = 0
		}
		name := fmt.Sprintf("chan%d", ch)
		if int(ch) < len(Channels) {
			name = Channels[ch].Name
		}
		summaries[i] = ChannelSummary{
			Name:   name,
			Mean:   mean,
			StdDev: std,
			Min:    floats.Min(columns[i]),
			Max:    floats.Max(columns[i]),
		}
	}
	return summaries, nil
}

// SummarizeBuffer decodes the bytes of a ScanBuffer filled over mask and summarizes them.
func SummarizeBuffer(data []byte, mask ChannelMask) ([]ChannelSummary, error) {
	bps := BytesPerScan(mask.Count())
	if bps == 0 {
		return []ChannelSummary{}, nil
	}
	if len(data)%bps != 0 {
		return nil, fmt.Errorf("buffer of %d bytes is not a whole number of %d-byte scans", len(data), bps)
	}
	scans := make([]Scan, 0, len(data)/bps)
	for off := 0; off < len(data); off += bps {
		scan, err := DecodeScan(data[off : off+bps])
		if err != nil {
			return nil, err
		}
		scans = append(scans, scan)
	}
	return SummarizeScans(scans, mask)
}
