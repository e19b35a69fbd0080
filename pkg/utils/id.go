package utils

import (
	"github.com/google/uuid"
)

// GenerateConnectionID generates an opaque connection ID. IDs are never
// reused, so a reconnection that swaps the underlying transport always gets
// a fresh one.
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateMessageID generates a unique signaling envelope ID
func GenerateMessageID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a correlation ID for request/response pairs
func GenerateRequestID() string {
	return uuid.NewString()
}

// GenerateChannelID generates a unique data channel ID
func GenerateChannelID() string {
	return uuid.NewString()
}
