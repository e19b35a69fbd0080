package utils

import "time"

// Now is the clock used for staleness checks. Tests swap it out.
var Now = time.Now

// IsStale reports whether timestamp is older than timeout.
func IsStale(timestamp time.Time, timeout time.Duration) bool {
	return Now().Sub(timestamp) > timeout
}

// FormatTimestamp renders t as RFC 3339, the wire format for presence
// timestamps.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}

// ParseTimestamp parses an RFC 3339 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
