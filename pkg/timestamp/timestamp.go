// Package timestamp provides standardized Unix timestamp handling utilities.
//
// The canonical timestamp format is int64 milliseconds since Unix epoch (UTC).
// A value of 0 means "not set"; functions handle zero values gracefully.
// The message envelope wire format uses these helpers so timestamps round-trip
// losslessly regardless of whether a peer sent seconds, milliseconds, or an
// RFC3339 string.
package timestamp

import (
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ToTime is an alias for FromUnixMs for better readability.
func ToTime(ms int64) time.Time {
	return FromUnixMs(ms)
}

// Format converts Unix milliseconds to RFC3339 string for display.
// Returns empty string if timestamp is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Parse converts various timestamp formats to Unix milliseconds.
// Supports int64/float64/int (milliseconds if > 1e12, otherwise seconds),
// RFC3339 or numeric strings, time.Time, and nil (returns 0).
// Returns 0 for invalid input.
func Parse(input any) int64 {
	if input == nil {
		return 0
	}

	switch v := input.(type) {
	case int64:
		if v == 0 {
			return 0
		}
		if v > 1e12 {
			return v
		}
		return v * 1000

	case float64:
		if v == 0 {
			return 0
		}
		if v > 1e12 {
			return int64(v)
		}
		return int64(v * 1000)

	case int:
		return Parse(int64(v))

	case int32:
		return Parse(int64(v))

	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UnixMilli()
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Parse(n)
		}
		return 0

	case time.Time:
		return ToUnixMs(v)

	default:
		return 0
	}
}

// Add adds a duration to a timestamp. Adding to zero returns zero.
func Add(ms int64, d time.Duration) int64 {
	if ms == 0 {
		return 0
	}
	return ms + d.Milliseconds()
}

// Between returns the duration between two timestamps.
// Returns 0 if either timestamp is zero.
func Between(start, end int64) time.Duration {
	if start == 0 || end == 0 {
		return 0
	}
	return time.Duration(end-start) * time.Millisecond
}
