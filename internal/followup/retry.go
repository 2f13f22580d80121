package followup

import (
	"math/rand/v2"
	"time"
)

// Backoff is the delivery retry curve: exponential doubling from Base to
// Cap with a little jitter so stalled sessions don't retry in lockstep.
// Attempts are unbounded; only context cancellation stops a retry loop.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff matches the channel bridge reconnect curve.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 30 * time.Second}
}

// Next returns the wait before retry attempt n (n starts at 1).
func (b Backoff) Next(n int) time.Duration {
	d := b.Base
	for i := 1; i < n && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	// ±20% jitter
	spread := int64(d) / 5
	if spread > 0 {
		d += time.Duration(rand.Int64N(2*spread) - spread)
	}
	return d
}
