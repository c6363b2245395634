package syncer

import (
	"sync"
	"time"
)

// Backoff is a doubling retry delay with a ceiling.
type Backoff struct {
	initial time.Duration
	max     time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff returns a backoff starting at initial and capped at max
func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Current returns the delay before the next attempt
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Fail doubles the delay up to the ceiling and returns it
func (b *Backoff) Fail() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// Reset returns the delay to its initial value
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
}
