package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// DeviceIDRegex validates device ID format
	DeviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ChannelLabelRegex validates data channel label format
	ChannelLabelRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateDeviceID validates device ID
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if len(deviceID) > 100 {
		return fmt.Errorf("device ID is too long (max 100 characters)")
	}
	if !DeviceIDRegex.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format")
	}
	return nil
}

// ValidateChannelLabel validates data channel label
func ValidateChannelLabel(label string) error {
	if label == "" {
		return fmt.Errorf("channel label is required")
	}
	if len(label) > 64 {
		return fmt.Errorf("channel label is too long (max 64 characters)")
	}
	if !ChannelLabelRegex.MatchString(label) {
		return fmt.Errorf("invalid channel label format")
	}
	return nil
}

// ValidateDeviceName validates human-readable device name
func ValidateDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("device name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("device name is too long (max 100 characters)")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("device name contains invalid characters")
	}
	return nil
}

// ValidateSignalingURL validates signaling relay URL format
func ValidateSignalingURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrateBps validates a bitrate value in bits per second
func ValidateBitrateBps(bitrate int64) error {
	if bitrate < 100_000 {
		return fmt.Errorf("bitrate must be at least 100000 bps")
	}
	if bitrate > 50_000_000 {
		return fmt.Errorf("bitrate is too high (max 50000000 bps)")
	}
	return nil
}

// ValidateFPS validates a video frame rate
func ValidateFPS(fps int) error {
	if fps < 1 {
		return fmt.Errorf("fps must be at least 1")
	}
	if fps > 120 {
		return fmt.Errorf("fps is too high (max 120)")
	}
	return nil
}

// ValidateResolution validates video dimensions
func ValidateResolution(width, height int) error {
	if width < 160 || height < 120 {
		return fmt.Errorf("resolution is too small (min 160x120)")
	}
	if width > 7680 || height > 4320 {
		return fmt.Errorf("resolution is too large (max 7680x4320)")
	}
	return nil
}

// ValidateDiscoveryWindow validates a device discovery collection window
func ValidateDiscoveryWindow(window time.Duration) error {
	if window < 100*time.Millisecond {
		return fmt.Errorf("discovery window must be at least 100ms")
	}
	if window > time.Minute {
		return fmt.Errorf("discovery window is too long (max 1m)")
	}
	return nil
}

