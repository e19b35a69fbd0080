package domain

import "errors"

var (
	ErrNoSuchConnection   = errors.New("no such connection")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrChannelNotOpen     = errors.New("channel not open")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionNotReady = errors.New("connection not ready")
	ErrConnectionRejected = errors.New("connection rejected by peer")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrNotConnected       = errors.New("signaling transport not connected")
	ErrDeviceNotFound     = errors.New("device not found")
)
