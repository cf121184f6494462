package mirror

import "time"

// Backoff yields reconnect delays that double from initial up to max.
// Not safe for concurrent use; the session loop owns it.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff returns a Backoff starting at initial.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if maxDelay < initial {
		maxDelay = initial
	}
	return &Backoff{initial: initial, max: maxDelay, next: initial}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset restarts the sequence after a successful connect.
func (b *Backoff) Reset() {
	b.next = b.initial
}
