package utils

import "time"

// Backoff returns base * 2^attempt, capped at max. attempt is zero-based.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	// 2^30 * any positive base is already beyond any sane cap.
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
