package util

import "time"

// Backoff returns the delay before retrying a zero-based attempt:
// base << attempt, capped at max. Guards against shift overflow.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 62 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
