// Package ratelimit implements a sliding-window command limiter keyed by
// connection.
//
// Every inbound WebSocket command counts against the same window regardless
// of type, so a burst of position opens and queue joins together cannot
// exceed the budget. Timestamps older than the window are pruned on each
// check, keeping memory proportional to the number of recently active
// connections.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a player exceeds the command budget.
var ErrRateLimited = errors.New("ratelimit: command rate limit exceeded")

// Limiter enforces at most Max events per Window per key using a true
// sliding window of event timestamps.
type Limiter struct {
	// Max is the maximum number of events inside one window.
	Max int

	// Window is the sliding window length.
	Window time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

// NewLimiter creates a limiter allowing max events per window.
func NewLimiter(max int, window time.Duration) *Limiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		Max:    max,
		Window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one event for key and reports whether it fits in the
// window. A rejected event is not recorded, so a client hammering the
// limit does not push its own recovery further out.
func (l *Limiter) Allow(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.Window)

	kept := l.events[key][:0]
	for _, ts := range l.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.Max {
		l.events[key] = kept
		return ErrRateLimited
	}
	l.events[key] = append(kept, now)
	return nil
}

// Forget drops all state for key. Called when a connection closes so the
// map does not grow with every connection ever seen.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}

// Active returns the number of keys currently tracked.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
