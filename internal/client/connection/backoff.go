package connection

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is a capped exponential delay between dial attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter in [0,1] adds up to Jitter*base of random delay.
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 5 * time.Second, Factor: 2}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	return b.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (b Backoff) delayWithRand(attempt int, r float64) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(b.Initial) * math.Pow(factor, exp)
	total := base + base*b.Jitter*r
	if b.Max > 0 {
		total = math.Min(total, float64(b.Max))
	}
	return time.Duration(total)
}
