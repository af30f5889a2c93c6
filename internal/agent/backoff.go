package agent

import (
	"sync"
	"time"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Backoff hands out reconnect delays that double after each use up to Max.
// Only Reset brings the delay back to Min.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	mu  sync.Mutex
	cur time.Duration
}

// NewBackoff creates a Backoff with the default 1s..30s range.
func NewBackoff() *Backoff {
	return &Backoff{Min: DefaultMinBackoff, Max: DefaultMaxBackoff}
}

// Next returns the delay to wait now and doubles the next one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cur <= 0 {
		b.cur = b.Min
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return d
}

// Reset sets the next delay back to Min.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = b.Min
}
