package security

import "time"

// Clock abstracts time for expiry and rate-limit decisions so tests can
// drive it deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// IsTokenExpiringSoon checks if a token will expire within the given
// threshold. A zero expiry means the token never expires.
func IsTokenExpiringSoon(clock Clock, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return clock.Now().Add(threshold).After(expiresAt)
}
