package dispatch

import "time"

// Backoff returns the delay before retry number retryCount+1: exponential,
// doubling per attempt, capped. The curve is a tunable, not a contract; the
// only hard requirements are that it grows and stays bounded.
func Backoff(base, cap time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if cap <= 0 {
		cap = time.Hour
	}

	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
