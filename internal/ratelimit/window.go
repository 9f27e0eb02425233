// Package ratelimit implements per-key sliding window limits used for
// command cooldowns.
package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

// Window allows at most Limit hits per key within Period. Each key keeps a
// fixed-size ring of its most recent hit times.
type Window struct {
	limit  int
	period time.Duration
	now    Clock

	mu   sync.Mutex
	keys map[string]*ring
}

type ring struct {
	hits []time.Time
	next int // index of the oldest hit once full
	n    int
}

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now, for tests.
func WithClock(c Clock) Option {
	return func(w *Window) {
		if c != nil {
			w.now = c
		}
	}
}

// NewWindow returns a limiter allowing limit hits per period for each key.
// A limit below one is treated as one.
func NewWindow(limit int, period time.Duration, opts ...Option) *Window {
	if limit < 1 {
		limit = 1
	}
	w := &Window{
		limit:  limit,
		period: period,
		now:    time.Now,
		keys:   make(map[string]*ring),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Allow records a hit for key and reports whether it is within the limit.
// When it is not, the returned duration is how long until the next hit would
// be allowed. Rejected hits are not recorded.
func (w *Window) Allow(key string) (bool, time.Duration) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.keys[key]
	if !ok {
		r = &ring{hits: make([]time.Time, w.limit)}
		w.keys[key] = r
	}

	if r.n == w.limit {
		oldest := r.hits[r.next]
		if wait := oldest.Add(w.period).Sub(now); wait > 0 {
			return false, wait
		}
	}

	r.hits[r.next] = now
	r.next = (r.next + 1) % w.limit
	if r.n < w.limit {
		r.n++
	}
	return true, 0
}

// Reset forgets all hits of key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.keys, key)
}

// Prune drops keys whose latest hit is older than the period.
func (w *Window) Prune() int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key, r := range w.keys {
		latest := r.hits[(r.next-1+w.limit)%w.limit]
		if r.n == 0 || now.Sub(latest) >= w.period {
			delete(w.keys, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}
