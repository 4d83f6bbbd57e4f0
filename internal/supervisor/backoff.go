package supervisor

import "time"

// backoffDelay returns the retry delay for attempt n (zero based): base
// doubled per attempt, capped at max. With max <= base the delay is fixed.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if max < base {
		max = base
	}
	// Beyond 30 doublings any sane base exceeds max; avoids shift overflow.
	if attempt < 0 || attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
