package ratelimit

import (
	"sync"
	"time"
)

// FixedWindowCounter counts admissions in windows aligned to the window length.
type FixedWindowCounter struct {
	mu          sync.Mutex
	clock       Clock
	maxRequests int
	window      time.Duration
	start       time.Time
	count       int
}

// NewFixedWindowCounter creates a counter admitting maxRequests per aligned window.
func NewFixedWindowCounter(maxRequests int, window time.Duration, clock Clock) *FixedWindowCounter {
	if clock == nil {
		clock = SystemClock()
	}
	return &FixedWindowCounter{
		clock:       clock,
		maxRequests: max(0, maxRequests),
		window:      window,
	}
}

func (f *FixedWindowCounter) roll(now time.Time) {
	start := now.Truncate(f.window)
	if start.After(f.start) {
		f.start = start
		f.count = 0
	}
}

// IsAllowed admits the request if the current window has room.
func (f *FixedWindowCounter) IsAllowed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roll(f.clock.Now())
	if f.count >= f.maxRequests {
		return false
	}
	f.count++
	return true
}

// Remaining returns how many admissions are left in the current window.
func (f *FixedWindowCounter) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roll(f.clock.Now())
	return max(0, f.maxRequests-f.count)
}

// Count returns admissions in the current window.
func (f *FixedWindowCounter) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roll(f.clock.Now())
	return f.count
}

// ResetAt is the end of the current window.
func (f *FixedWindowCounter) ResetAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roll(f.clock.Now())
	return f.start.Add(f.window)
}

// SetLimit changes the per-window maximum.
func (f *FixedWindowCounter) SetLimit(maxRequests int) {
	f.mu.Lock()
	f.maxRequests = max(0, maxRequests)
	f.mu.Unlock()
}

// SetWindow changes the window length. The current count carries over until
// the next aligned boundary.
func (f *FixedWindowCounter) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	f.mu.Lock()
	f.window = window
	f.mu.Unlock()
}

// Limit returns the configured maximum.
func (f *FixedWindowCounter) Limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRequests
}

// RetryAfter is zero when the window has room, otherwise the wait until the
// next window starts.
func (f *FixedWindowCounter) RetryAfter() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	f.roll(now)
	if f.count < f.maxRequests {
		return 0
	}
	return f.start.Add(f.window).Sub(now)
}
