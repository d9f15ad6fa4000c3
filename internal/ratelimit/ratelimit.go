// Package ratelimit implements a per-identity sliding-window limiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Limiter admits up to limit events per identity within a trailing
// window. It is in-memory and single-process; state does not survive
// restarts and is not coordinated across instances.
type Limiter struct {
	limit  int
	window time.Duration
	clk    clock.Clock

	mu      sync.Mutex
	windows map[string][]time.Time
}

// New creates a limiter. A nil clock falls back to the wall clock.
func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clk:     clk,
		windows: make(map[string][]time.Time),
	}
}

// Admit records one event for the identity if its pruned window is
// below the limit. A denied call does not mutate the window, so denials
// never extend a throttle.
func (l *Limiter) Admit(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	cutoff := now.Add(-l.window)

	kept := l.windows[identity][:0]
	for _, t := range l.windows[identity] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.windows[identity] = kept
		return false
	}

	l.windows[identity] = append(kept, now)
	return true
}

// Sweep drops windows whose newest entry is older than the window
// length. Long-lived deployments call this periodically so identities
// that went quiet do not accumulate.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clk.Now().Add(-l.window)
	for identity, win := range l.windows {
		if len(win) == 0 || !win[len(win)-1].After(cutoff) {
			delete(l.windows, identity)
		}
	}
}

// RunSweeper sweeps at the given interval until stop is closed.
func (l *Limiter) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := l.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-stop:
			return
		}
	}
}

// Len reports the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
