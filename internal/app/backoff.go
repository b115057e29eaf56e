package app

import (
	"math/rand"
	"time"
)

// backoff implements exponential backoff with ±20% jitter.
// It is not safe for concurrent use.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if max < initial {
		max = initial
	}
	return &backoff{
		initial: initial,
		max:     max,
		current: initial,
	}
}

// Next returns the jittered delay for this step and doubles the base
// delay for the following one, capped at max.
func (b *backoff) Next() time.Duration {
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	d := time.Duration(float64(b.current) + jitter)

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the base delay to its initial value.
func (b *backoff) Reset() {
	b.current = b.initial
}

// Current returns the base delay without jitter.
func (b *backoff) Current() time.Duration {
	return b.current
}
