package scheduler

import (
	"math"
	"time"
)

// Backoff returns the delay before retry n (n >= 1):
// base * 2^(n-1) scaled by a jitter factor in [0.75, 1.25], capped at maxDelay.
// u is a uniform sample in [0,1).
func Backoff(n int, base, maxDelay time.Duration, u float64) time.Duration {
	if n < 1 {
		n = 1
	}
	if u < 0 {
		u = 0
	} else if u >= 1 {
		u = math.Nextafter(1, 0)
	}
	d := float64(base) * math.Pow(2, float64(n-1)) * (0.75 + 0.5*u)
	if d >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
