package installws

import (
	"math/rand/v2"
	"time"
)

// backoff maps a retry attempt to a wait: min(base * 2^attempt, max).
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64 // fraction of the delay, 0 disables
}

func newBackoff(base, max time.Duration) backoff {
	return backoff{base: base, max: max}
}

// delay returns the wait before retry number attempt (0-based).
func (b backoff) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.base
	for i := 0; i < attempt; i++ {
		if d >= b.max || d > b.max/2 {
			d = b.max
			break
		}
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	if b.jitter > 0 && d > 0 {
		j := time.Duration(float64(d) * b.jitter * (2*rand.Float64() - 1))
		d += j
		if d < 0 {
			d = 0
		}
		if d > b.max {
			d = b.max
		}
	}
	return d
}
