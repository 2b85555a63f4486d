package pubsub

import (
	"sync"
	"sync/atomic"
	"time"
)

type windowKey struct {
	organizationID string
	topic          string
}

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window publish limiter keyed by (organization,
// topic). A window covers one wall-clock minute; once the ceiling is
// reached, further publishes in that window are rejected, never queued.
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[windowKey]*window
	maxPerMinute int
	retention    time.Duration
	rejections   atomic.Int64

	// now is replaceable for tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter allowing maxPerMinute events per
// (organization, topic) pair. Windows older than retention are discarded by
// Sweep.
func NewRateLimiter(maxPerMinute int, retention time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:      make(map[windowKey]*window),
		maxPerMinute: maxPerMinute,
		retention:    retention,
		now:          time.Now,
	}
}

// CheckLimit reports whether one more publish is allowed for the pair and
// counts it if so. A stale window is replaced, never incremented.
func (l *RateLimiter) CheckLimit(organizationID, topic string) bool {
	key := windowKey{organizationID: organizationID, topic: topic}
	windowStart := l.now().Truncate(time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !w.start.Equal(windowStart) {
		l.windows[key] = &window{start: windowStart, count: 1}
		return true
	}
	if w.count < l.maxPerMinute {
		w.count++
		return true
	}
	l.rejections.Add(1)
	return false
}

// Sweep discards windows older than the retention horizon and returns how
// many were removed.
func (l *RateLimiter) Sweep() int {
	cutoff := l.now().Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Rejections returns the total number of rate-limited publishes.
func (l *RateLimiter) Rejections() int64 {
	return l.rejections.Load()
}

// ActiveWindows returns the number of retained windows.
func (l *RateLimiter) ActiveWindows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
