package remote

import (
	"math/rand/v2"
	"time"
)

// backoff computes retry delays for transient HTTP failures:
// exponential growth from a base with a hard cap and proportional
// jitter. The zero value is not usable; use defaultBackoff.
type backoff struct {
	base    time.Duration
	factor  float64
	cap     time.Duration
	jitter  float64 // ±fraction applied to the computed delay
	retries int     // attempts before giving up
}

// defaultBackoff matches the reader failure policy: 200ms base, doubling,
// 5s cap, ±20% jitter, 6 attempts.
var defaultBackoff = backoff{
	base:    200 * time.Millisecond,
	factor:  2,
	cap:     5 * time.Second,
	jitter:  0.2,
	retries: 6,
}

// delay returns the sleep before retry attempt n (0-based).
func (b backoff) delay(n int) time.Duration {
	d := float64(b.base)
	for i := 0; i < n; i++ {
		d *= b.factor
		if d >= float64(b.cap) {
			d = float64(b.cap)
			break
		}
	}
	// Jitter: scale by a random factor in [1-jitter, 1+jitter].
	d *= 1 + b.jitter*(2*rand.Float64()-1)
	if d > float64(b.cap) {
		d = float64(b.cap)
	}
	return time.Duration(d)
}
