package domain

import "time"

type (
	DeviceID     string
	ConnectionID string
	ChannelID    string
	TrackID      string
)

// ConnectionState is the five-state lifecycle model every transport-level
// state gets mapped into.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

type TransportType string

const (
	TransportDirect  TransportType = "direct"
	TransportRelayed TransportType = "relayed"
)

// Connection is one logical peer relationship, owned by the connection
// manager. The transport object it references is owned by the transport
// manager and addressed by ID.
type Connection struct {
	ID            ConnectionID
	RemoteDevice  DeviceID
	State         ConnectionState
	Transport     TransportType
	Quality       *QualitySnapshot
	Stats         ConnectionStats
	CreatedAt     time.Time
	LastActivity  time.Time
}

type ConnectionStats struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	RoundTripTime   time.Duration
	UpdatedAt       time.Time
}

// QualitySnapshot is the per-connection view of the optimizer's current
// settings, stored when a conditions-changed event is propagated.
type QualitySnapshot struct {
	Settings   QualitySettings
	Conditions NetworkConditions
	Timestamp  time.Time
}

// ChannelSpec describes a byte-stream channel to create on a transport.
type ChannelSpec struct {
	Label          string
	Ordered        bool
	MaxRetransmits *uint16
}
