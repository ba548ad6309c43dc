package agent

import (
	"sync"
	"time"
)

const (
	DefaultInitialDelay = 1000 * time.Millisecond
	DefaultMaxDelay     = 30000 * time.Millisecond
)

// Backoff is the reconnect delay: each Next doubles the following delay up to max
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay to wait now and doubles the stored delay
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return delay
}

// Current returns the delay the next Next call will return
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Reset restores the initial delay; called when a connection opens
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
}
