package pqmdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the pqmactivity table: one row per run
// of the server process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information for the streamsessions table: one row per
// period of triggered streaming or capture.
type SessionMessage struct {
	ID          string
	Mode        string // "triggered" or "capture"
	Source      string // "external" or "synthetic"
	ChannelMask uint32
	Nchannels   int
	TriggerRate float64
	Scans       uint64
	Failures    uint64
	Start       time.Time
	End         time.Time
}

// AttributeMessage is the information for the attributechanges table.
type AttributeMessage struct {
	SessionID string
	Name      string
	Value     string
	Time      time.Time
}
