package outbox

import (
	"math/rand"
	"time"
)

// NextBackoff computes the next attempt time after a retryable failure:
// now + base * 2^min(attempts, cap), jittered by up to ±20%. When the
// adapter supplied a Retry-After hint it wins over the computed delay.
func NextBackoff(now time.Time, attempts int, base time.Duration, backoffCap int, retryAfter time.Duration) time.Time {
	if retryAfter > 0 {
		return now.Add(retryAfter)
	}
	exp := attempts
	if exp > backoffCap {
		exp = backoffCap
	}
	delay := base * (1 << exp)
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)*2) - delay/5
	return now.Add(delay + jitter)
}
