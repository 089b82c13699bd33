package guardrails

import (
	"sync"
	"time"
)

// Probe limiter defaults: three detections within ten minutes block the
// user for thirty.
const (
	DefaultProbeWindow    = 10 * time.Minute
	DefaultProbeThreshold = 3
	DefaultProbeBlock     = 30 * time.Minute
)

// ProbeLimiter tracks injection and probing attempts per user and blocks
// repeat offenders for a while. It is the only stateful guardrail and
// is consulted by the agent around the pipeline rather than as a stage.
type ProbeLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	block     time.Duration
	users     map[string]*probeState
	now       func() time.Time
}

type probeState struct {
	hits         []time.Time
	blockedUntil time.Time
}

// NewProbeLimiter returns a limiter. Zero values select the defaults.
func NewProbeLimiter(window time.Duration, threshold int, block time.Duration) *ProbeLimiter {
	if window <= 0 {
		window = DefaultProbeWindow
	}
	if threshold <= 0 {
		threshold = DefaultProbeThreshold
	}
	if block <= 0 {
		block = DefaultProbeBlock
	}
	return &ProbeLimiter{
		window:    window,
		threshold: threshold,
		block:     block,
		users:     make(map[string]*probeState),
		now:       time.Now,
	}
}

// Limited reports whether userID is currently blocked. Safe on a nil
// receiver.
func (l *ProbeLimiter) Limited(userID string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.users[userID]
	if !ok {
		return false
	}
	return st.blockedUntil.After(l.now())
}

// Record notes one probe from userID and reports whether the user is
// now blocked.
func (l *ProbeLimiter) Record(userID string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.users[userID]
	if !ok {
		st = &probeState{}
		l.users[userID] = st
	}

	kept := st.hits[:0]
	for _, t := range st.hits {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}
	st.hits = append(kept, now)

	if len(st.hits) >= l.threshold {
		st.blockedUntil = now.Add(l.block)
		return true
	}
	return false
}

// Prune drops users with no recent probes and no active block.
func (l *ProbeLimiter) Prune() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, st := range l.users {
		recent := len(st.hits) > 0 && now.Sub(st.hits[len(st.hits)-1]) < l.window
		if !recent && !st.blockedUntil.After(now) {
			delete(l.users, id)
		}
	}
}
