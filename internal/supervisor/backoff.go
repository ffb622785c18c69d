package supervisor

import (
	"math/rand"
	"time"
)

const (
	DefaultBackoffBase   = 100 * time.Millisecond
	DefaultBackoffMax    = 30 * time.Second
	DefaultBackoffJitter = 0.2
)

// BackoffPolicy is truncated exponential backoff. MaxAttempts of zero retries
// forever.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   DefaultBackoffBase,
		Max:    DefaultBackoffMax,
		Jitter: DefaultBackoffJitter,
	}
}

// Interval is the nominal delay after the given number of consecutive
// failures: base for the first, doubling per failure, capped at max.
func (p BackoffPolicy) Interval(failures int) time.Duration {
	if failures <= 1 {
		return p.capped(p.Base)
	}

	d := p.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		if d <= 0 {
			// overflow
			return p.Max
		}
	}
	return p.capped(d)
}

func (p BackoffPolicy) capped(d time.Duration) time.Duration {
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Jittered spreads d by ±Jitter using r, a sample from [0, 1).
func (p BackoffPolicy) Jittered(d time.Duration, r float64) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter * (r*2 - 1)
	return d + time.Duration(spread)
}

// Exhausted reports whether failures has used up the attempt budget.
func (p BackoffPolicy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}

func defaultRand() float64 {
	return rand.Float64() //nolint:gosec // not crypto
}
