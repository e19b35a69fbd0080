package ports

import "peerlink/internal/core/domain"

// TransportEventKind enumerates events emitted by the transport layer.
type TransportEventKind string

const (
	TransportStateChanged   TransportEventKind = "state-changed"
	TransportLocalCandidate TransportEventKind = "local-candidate"
	TransportChannelOpened  TransportEventKind = "channel-opened"
	TransportChannelClosed  TransportEventKind = "channel-closed"
	TransportChannelMessage TransportEventKind = "channel-message"
	TransportICEFailed      TransportEventKind = "ice-failed"
	TransportStatsUpdated   TransportEventKind = "stats-updated"
	TransportMediaReport    TransportEventKind = "media-report"
)

type TransportEvent struct {
	Kind         TransportEventKind
	ConnectionID domain.ConnectionID
	State        domain.ConnectionState
	Candidate    *domain.CandidatePayload
	Channel      string
	Data         []byte
	Stats        *domain.ConnectionStats
	Report       *domain.MediaReport
}

// SignalEventKind enumerates events emitted by the signaling client.
type SignalEventKind string

const (
	SignalOffer             SignalEventKind = "offer"
	SignalAnswer            SignalEventKind = "answer"
	SignalCandidate         SignalEventKind = "candidate"
	SignalConnectionRequest SignalEventKind = "connection-request"
	SignalConnectionClose   SignalEventKind = "connection-close"
	SignalReconnected       SignalEventKind = "reconnected"
	SignalReconnectFailed   SignalEventKind = "reconnect-failed"
	SignalError             SignalEventKind = "error"
)

type SignalEvent struct {
	Kind       SignalEventKind
	From       domain.DeviceID
	Descriptor *domain.DescriptorPayload
	Candidate  *domain.CandidatePayload
	Request    *domain.ConnectionRequestData
	Reason     string
	Err        error
}

// OptimizerEventKind enumerates events emitted by the network optimizer.
type OptimizerEventKind string

const (
	OptimizerConditionsChanged OptimizerEventKind = "conditions-changed"
	OptimizerQualityChanged    OptimizerEventKind = "quality-changed"
)

type OptimizerEvent struct {
	Kind       OptimizerEventKind
	Conditions domain.NetworkConditions
	Settings   domain.QualitySettings
}

// ManagerEventKind enumerates events republished by the connection manager
// for the presentation layer.
type ManagerEventKind string

const (
	ManagerConnectionState  ManagerEventKind = "connection-state"
	ManagerQualityUpdated   ManagerEventKind = "quality-updated"
	ManagerReconnectFailed  ManagerEventKind = "reconnect-failed"
	ManagerSignalingLost    ManagerEventKind = "signaling-lost"
	ManagerChannelMessage   ManagerEventKind = "channel-message"
	ManagerConnectionClosed ManagerEventKind = "connection-closed"
)

type ManagerEvent struct {
	Kind         ManagerEventKind
	ConnectionID domain.ConnectionID
	DeviceID     domain.DeviceID
	State        domain.ConnectionState
	Quality      *domain.QualitySnapshot
	Channel      string
	Data         []byte
	Reason       string
}
