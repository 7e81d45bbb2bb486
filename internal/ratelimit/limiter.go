// Package ratelimit implements the Route-level rate_limit_per_minute
// enforcement (§4.6): a rolling 60-second window counter, grounded on the
// teacher's single-mutex interval limiter but extended to count events
// within a sliding window rather than only gating on elapsed time since
// the last call.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits at most N events per rolling 60-second window. A limit
// of 0 admits nothing.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

// New creates a Limiter admitting limit events per 60-second rolling
// window.
func New(limit int) *Limiter {
	return &Limiter{limit: limit, window: time.Minute, now: time.Now}
}

// Allow reports whether one more event may be admitted right now,
// recording it if so.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return false
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events = kept

	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// Count returns the number of events currently counted within the
// window, for observability.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
