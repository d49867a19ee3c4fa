// Package backoff computes reconnect delays for the realtime channels.
package backoff

import "time"

// Delay returns the exponential backoff delay for the given attempt
// number, capped at max: min(base * 2^attempt, max). Attempt 0 is the
// first retry.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Shifting past 62 bits would overflow; everything that far out is
	// capped anyway.
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
