package ports

import (
	"context"
	"time"

	"peerlink/internal/core/domain"
)

// TransportService owns one peer-transport object per connection attempt.
// It knows nothing about signaling or reconnection policy.
type TransportService interface {
	CreateConnection(ctx context.Context, deviceID domain.DeviceID, channels []domain.ChannelSpec) (domain.ConnectionID, error)
	CreateOffer(ctx context.Context, id domain.ConnectionID) (domain.DescriptorPayload, error)
	CreateAnswer(ctx context.Context, id domain.ConnectionID) (domain.DescriptorPayload, error)
	SetRemoteDescription(ctx context.Context, id domain.ConnectionID, desc domain.DescriptorPayload) error
	AddRemoteCandidate(ctx context.Context, id domain.ConnectionID, cand domain.CandidatePayload) error
	CreateChannel(ctx context.Context, id domain.ConnectionID, spec domain.ChannelSpec) (domain.ChannelID, error)
	Send(id domain.ConnectionID, label string, data []byte) error
	Stats(id domain.ConnectionID) (domain.ConnectionStats, bool)
	// Close is idempotent: closing twice or closing an unknown ID is a no-op.
	Close(id domain.ConnectionID)
	Events() <-chan TransportEvent
	Shutdown()
}

// SignalingService maintains one persistent connection to the relay and
// exchanges typed envelopes. It knows nothing about transport internals.
type SignalingService interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(env domain.SignalEnvelope) error
	RequestConnection(ctx context.Context, target domain.DeviceID, opts domain.HandshakeOptions) (*domain.ConnectionResponseData, error)
	RespondToConnection(to domain.DeviceID, requestID string, accepted bool, errMsg string, answer *domain.DescriptorPayload) error
	SendCandidate(to domain.DeviceID, cand domain.CandidatePayload) error
	SendClose(to domain.DeviceID, reason string) error
	DiscoverDevices(ctx context.Context, window time.Duration) ([]domain.DiscoveryResult, error)
	LocalDevice() domain.DeviceID
	Events() <-chan SignalEvent
}

// OptimizerService measures network conditions and computes target quality
// settings. One instance serves every connection.
type OptimizerService interface {
	MeasureBandwidth(ctx context.Context) (domain.BandwidthMeasurement, error)
	MeasureConditions(ctx context.Context) (domain.NetworkConditions, error)
	AdaptQuality(cond domain.NetworkConditions) domain.QualitySettings
	HandleCongestion() domain.QualitySettings
	UpdateQualitySettings(settings domain.QualitySettings)
	CurrentSettings() domain.QualitySettings
	ObserveMediaReport(report domain.MediaReport)
	ResetToDefaults()
	Start(ctx context.Context)
	Stop()
	Events() <-chan OptimizerEvent
}

// ConnectionService is the orchestrator composing the other three.
type ConnectionService interface {
	Initiate(ctx context.Context, target domain.DeviceID, opts domain.HandshakeOptions) (*domain.Connection, error)
	Close(ctx context.Context, id domain.ConnectionID, reason string) error
	Send(deviceID domain.DeviceID, label string, data []byte) error
	DiscoverDevices(ctx context.Context, window time.Duration) ([]domain.DiscoveryResult, error)
	Connection(id domain.ConnectionID) (*domain.Connection, bool)
	Connections() []*domain.Connection
	Events() <-chan ManagerEvent
	Destroy()
}

// PresenceRegistry tracks which relay instance a device is registered with.
type PresenceRegistry interface {
	Register(ctx context.Context, device domain.DeviceID, instanceID string) error
	Unregister(ctx context.Context, device domain.DeviceID) error
	Lookup(ctx context.Context, device domain.DeviceID) (string, error)
	List(ctx context.Context) ([]domain.DeviceID, error)
}
