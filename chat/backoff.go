package chat

import "time"

// backoffDelay is the reconnect delay before attempt n: exponential with
// a hard ceiling, min(base*2^n, cap).
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt >= 62 {
		return cap
	}
	d := base << uint(attempt)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
