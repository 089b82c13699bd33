// Package ratelimit implements the per-sender sliding-window limiter the
// channel adapters apply to inbound messages before they reach the bus.
package ratelimit

import (
	"sync"
	"time"
)

const cleanupInterval = 10 * time.Minute

// Limiter allows at most Limit events per key within Window.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu          sync.Mutex
	seen        map[string][]time.Time
	dropped     map[string]int
	lastCleanup time.Time
}

// New returns a limiter. limit <= 0 allows everything.
func New(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		seen:    make(map[string][]time.Time),
		dropped: make(map[string]int),
	}
}

// Allow records an event for key and reports whether it is within the
// limit. Rejected events are not recorded, so a sender that keeps
// retrying regains access once older events leave the window.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupLocked(now)

	times := l.seen[key]
	valid := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= l.limit {
		l.seen[key] = valid
		l.dropped[key]++
		return false
	}
	l.seen[key] = append(valid, now)
	return true
}

// Dropped returns and resets the number of rejected events per key.
func (l *Limiter) Dropped() map[string]int {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.dropped
	l.dropped = make(map[string]int)
	return out
}

// cleanupLocked forgets keys with no events in the last two windows.
func (l *Limiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = now
	cutoff := now.Add(-2 * l.window)
	for key, times := range l.seen {
		if len(times) == 0 || times[len(times)-1].Before(cutoff) {
			delete(l.seen, key)
		}
	}
}
