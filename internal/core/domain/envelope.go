package domain

import (
	"encoding/json"
	"time"
)

// BroadcastTarget addresses an envelope to every device registered with the
// relay instead of a single peer.
const BroadcastTarget DeviceID = "broadcast"

// RelayTarget addresses an envelope to the relay itself (heartbeats).
const RelayTarget DeviceID = "relay"

type EnvelopeType string

const (
	EnvelopeOffer              EnvelopeType = "offer"
	EnvelopeAnswer             EnvelopeType = "answer"
	EnvelopeICECandidate       EnvelopeType = "ice-candidate"
	EnvelopeConnectionRequest  EnvelopeType = "connection-request"
	EnvelopeConnectionResponse EnvelopeType = "connection-response"
	EnvelopeConnectionClose    EnvelopeType = "connection-close"
	EnvelopeDeviceDiscovery    EnvelopeType = "device-discovery"
	EnvelopeDeviceResponse     EnvelopeType = "device-response"
	EnvelopeHeartbeat          EnvelopeType = "heartbeat"
	EnvelopeError              EnvelopeType = "error"
)

// SignalEnvelope is the wire message exchanged through the relay. Immutable
// once sent.
type SignalEnvelope struct {
	Type      EnvelopeType    `json:"type"`
	From      DeviceID        `json:"from"`
	To        DeviceID        `json:"to"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId"`
	Timestamp time.Time       `json:"timestamp"`
}

// DescriptorPayload carries an offer or answer SDP.
type DescriptorPayload struct {
	SDP  string `json:"sdp"`
	Kind string `json:"kind"`
}

// CandidatePayload carries one NAT-traversal candidate.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ConnectionRequestData is the payload of a connection-request envelope,
// correlated with its response by RequestID.
type ConnectionRequestData struct {
	RequestID string             `json:"requestId"`
	Options   HandshakeOptions   `json:"options"`
}

type HandshakeOptions struct {
	Offer    *DescriptorPayload `json:"offer,omitempty"`
	Channels []ChannelSpec      `json:"channels,omitempty"`
}

// ConnectionResponseData is the payload of a connection-response envelope.
type ConnectionResponseData struct {
	RequestID string             `json:"requestId"`
	Accepted  bool               `json:"accepted"`
	Error     string             `json:"error,omitempty"`
	Answer    *DescriptorPayload `json:"answer,omitempty"`
}

// ClosePayload carries the reason a peer is tearing a connection down.
type ClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the data of an error envelope sent by the relay.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
