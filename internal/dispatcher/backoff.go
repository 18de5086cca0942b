package dispatcher

import "math/rand/v2"

const (
	// DefaultInitialBackoffMs is the delay a fresh or reset device starts from.
	DefaultInitialBackoffMs = 3000
	// DefaultMaxBackoffMs caps the stored delay at one hour.
	DefaultMaxBackoffMs = 3600000
)

// RandIntN returns a uniform value in [0, n). n is always > 0.
type RandIntN func(n int) int

// NextRetryDelay spreads the retry over [backoffMs/2, backoffMs*1.5).
func NextRetryDelay(backoffMs int, randN RandIntN) int {
	if backoffMs <= 0 {
		return 0
	}
	if randN == nil {
		randN = rand.IntN
	}
	return backoffMs/2 + randN(backoffMs)
}

// DoubleBackoff returns min(2*backoffMs, maxMs).
func DoubleBackoff(backoffMs, maxMs int) int {
	if backoffMs > maxMs-backoffMs {
		return maxMs
	}
	return backoffMs * 2
}
