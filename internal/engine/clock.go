package engine

import "time"

// Clock supplies wall time to the state machine. TTL expiry, challenge
// windows and latency measurement all read through this interface so
// tests can drive time deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
