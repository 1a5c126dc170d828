package security

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	// DefaultTimestampTolerance is how far a signed request's timestamp may
	// drift from server time in either direction. The boundary is inclusive.
	//
	// Trade-offs:
	//   - Larger values tolerate badly synchronised clients
	//   - The nonce TTL must cover twice this value or a nonce could expire
	//     while its timestamp is still acceptable
	DefaultTimestampTolerance = 60 * time.Second

	// DefaultNonceTTL covers the full ±DefaultTimestampTolerance window.
	DefaultNonceTTL = 120 * time.Second
)

// ParseUnixTimestamp parses a base-10 Unix timestamp in seconds.
func ParseUnixTimestamp(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %q: %w", s, err)
	}
	return time.Unix(secs, 0), nil
}

// WithinTolerance reports whether ts lies within tolerance of now, comparing
// whole seconds. Exactly tolerance away is accepted.
func WithinTolerance(ts, now time.Time, tolerance time.Duration) bool {
	diff := now.Unix() - ts.Unix()
	if diff < 0 {
		if diff == math.MinInt64 {
			return false
		}
		diff = -diff
	}
	return diff <= int64(tolerance/time.Second)
}

// RetryAfterSeconds renders d as the value of a Retry-After header: whole
// seconds, rounded up, never below one.
func RetryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
