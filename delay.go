package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// DelayFunc returns how long a message waits before its next publish attempt,
// given the number of attempts already made (0 after the first failure).
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that waits the same delay after every attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc doubling the delay after every attempt, capped at maxDelay.
//
// With delay 200ms and maxDelay 1h the waits are 200ms, 400ms, 800ms, 1.6s, ... and
// reach the 1h cap after attempt 15.
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	// Pre-calculate max shifts to prevent overflow
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay >= 62 {
		maxShifts = 0
	} else {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)

		return min(delay<<n, maxDelay)
	}
}

// WithJitter spreads the delays of next uniformly over [d/2, d) so dispatchers
// retrying the same failing broker do not hit it in lockstep.
func WithJitter(next DelayFunc) DelayFunc {
	return func(attempt int) time.Duration {
		d := next(attempt)
		half := d / 2
		if half <= 0 {
			return d
		}
		// nolint:gosec
		return half + time.Duration(rand.Int64N(int64(half)))
	}
}
