package peerrpc

import "time"

// backoff implements the create retry curve: every delay is the previous one
// multiplied by curve, capped at max.
type backoff struct {
	max     time.Duration
	curve   float64
	current time.Duration
}

func newBackoff(initial, max time.Duration, curve float64) *backoff {
	return &backoff{
		max:     max,
		curve:   curve,
		current: initial,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current
	b.current = time.Duration(float64(b.current) * b.curve)
	if b.current > b.max {
		b.current = b.max
	}
	if d > b.max {
		d = b.max
	}
	return d
}
