package domain

import "time"

type ConnectionMedium string

const (
	MediumWifi     ConnectionMedium = "wifi"
	MediumEthernet ConnectionMedium = "ethernet"
	MediumCellular ConnectionMedium = "cellular"
	MediumUnknown  ConnectionMedium = "unknown"
)

// BandwidthMeasurement is the result of one down/up/round-trip probe.
type BandwidthMeasurement struct {
	DownloadBps int64
	UploadBps   int64
	Latency     time.Duration
	Jitter      time.Duration
	Timestamp   time.Time
	Duration    time.Duration
}

// NetworkConditions is a point-in-time view derived from the measurement
// history.
type NetworkConditions struct {
	BandwidthBps int64
	Latency      time.Duration
	PacketLoss   float64
	Jitter       time.Duration
	Medium       ConnectionMedium
	Stable       bool
	Timestamp    time.Time
}

type VideoSettings struct {
	FPS        int
	BitrateBps int64
	Width      int
	Height     int
}

type AudioSettings struct {
	BitrateBps int64
	SampleRate int
	Channels   int
}

// QualitySettings are the target transmission parameters recomputed from
// NetworkConditions, with adaptive bounds.
type QualitySettings struct {
	Video         VideoSettings
	Audio         AudioSettings
	MinBitrateBps int64
	MaxBitrateBps int64
}

// MediaReport carries packet-loss/jitter figures extracted from transport
// feedback (RTCP receiver reports) for one connection.
type MediaReport struct {
	ConnectionID ConnectionID
	PacketLoss   float64
	Jitter       time.Duration
	RoundTrip    time.Duration
	Timestamp    time.Time
}
