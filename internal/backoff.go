package internal

import "time"

// Backoff yields doubling delays between initial and maximum. It is not safe
// for concurrent use.
type Backoff struct {
	initial time.Duration
	maximum time.Duration
	current time.Duration
}

func NewBackoff(initial, maximum time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if maximum < initial {
		maximum = initial
	}
	return &Backoff{initial: initial, maximum: maximum, current: initial}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	value := b.current
	if b.current *= 2; b.current > b.maximum {
		b.current = b.maximum
	}
	return value
}

func (b *Backoff) Reset() {
	b.current = b.initial
}
