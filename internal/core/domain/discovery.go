package domain

import "time"

// DeviceCapabilities is what a device advertises in discovery responses.
type DeviceCapabilities struct {
	Name          string   `json:"name"`
	Platform      string   `json:"platform"`
	MaxBitrateBps int64    `json:"maxBitrateBps"`
	Codecs        []string `json:"codecs,omitempty"`
	CanRelay      bool     `json:"canRelay"`
}

// DiscoveryResult is one remote device seen during a discovery window.
// Ephemeral: accumulated only until the window closes.
type DiscoveryResult struct {
	DeviceID      DeviceID           `json:"deviceId"`
	Capabilities  DeviceCapabilities `json:"capabilities"`
	SignalQuality float64            `json:"signalQuality"`
	SeenAt        time.Time          `json:"seenAt"`
}
