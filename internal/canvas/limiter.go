package canvas

import (
	"sync"
	"time"
)

// Limiter throttles placement intents per identity with a sliding window:
// at most Max accepted timestamps within the trailing Window.
type Limiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	seen      map[string][]time.Time
	lastSweep time.Time
}

func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Limiter{
		window: window,
		max:    max,
		seen:   make(map[string][]time.Time),
	}
}

// Allow records now and returns true if fewer than max prior accepts fall
// within the trailing window; otherwise returns false with no state change.
func (l *Limiter) Allow(identity string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	l.sweepLocked(now, cutoff)

	kept := l.seen[identity][:0]
	for _, t := range l.seen[identity] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.seen[identity] = kept
		return false
	}
	l.seen[identity] = append(kept, now)
	return true
}

// sweepLocked drops identities whose window has fully expired, at most
// once per window. Long-running hubs see a stream of ephemeral identities
// that would otherwise accrue forever.
func (l *Limiter) sweepLocked(now, cutoff time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for id, times := range l.seen {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.seen, id)
		}
	}
}

// Reset drops all recorded windows (used when a world resets).
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = make(map[string][]time.Time)
}
