package delivery

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base×Multiplier^attempt plus jitter, capped at Max.
// Jitter is drawn from [0, Jitter×(Multiplier-1)×Base) with Jitter in [0,1]. Each
// uncapped step grows by at least (Multiplier-1)×Base, so delays never decrease.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff is base 1s, ×2, capped at 60s, with up to one base of jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 1}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if b.Max > 0 && delay >= float64(b.Max) {
			return b.Max
		}
	}

	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		delay += r() * jitter * (mult - 1) * float64(b.Base)
	}

	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
