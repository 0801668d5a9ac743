package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindowCounter keeps a log of admitted request times bounded to a
// trailing window. Denied requests are never logged, so the log length is
// always the number of admissions inside the window.
type SlidingWindowCounter struct {
	mu          sync.Mutex
	clock       Clock
	maxRequests int
	window      time.Duration
	log         []time.Time
}

// NewSlidingWindowCounter creates a counter admitting maxRequests per window.
func NewSlidingWindowCounter(maxRequests int, window time.Duration, clock Clock) *SlidingWindowCounter {
	if clock == nil {
		clock = SystemClock()
	}
	if maxRequests < 0 {
		maxRequests = 0
	}
	return &SlidingWindowCounter{
		clock:       clock,
		maxRequests: maxRequests,
		window:      window,
		log:         make([]time.Time, 0, min(maxRequests, 1024)),
	}
}

// evict drops every entry at or before now-window. Entries are appended in
// time order, so the kept ones form a suffix.
func (s *SlidingWindowCounter) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.log) && !s.log[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(s.log, s.log[i:])
		s.log = s.log[:n]
	}
}

// IsAllowed evicts stale entries, then admits and logs the request if the
// window has room.
func (s *SlidingWindowCounter) IsAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.evict(now)
	if len(s.log) >= s.maxRequests {
		return false
	}
	if n := len(s.log); n > 0 && now.Before(s.log[n-1]) {
		// keep the log ordered if the clock stepped back
		now = s.log[n-1]
	}
	s.log = append(s.log, now)
	return true
}

// Remaining returns how many more requests the window would admit now.
func (s *SlidingWindowCounter) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict(s.clock.Now())
	return max(0, s.maxRequests-len(s.log))
}

// Count returns the number of admissions inside the trailing window.
func (s *SlidingWindowCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict(s.clock.Now())
	return len(s.log)
}

// Limit returns the configured maximum.
func (s *SlidingWindowCounter) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRequests
}

// SetLimit changes the maximum. Entries already logged stay until they age out.
func (s *SlidingWindowCounter) SetLimit(maxRequests int) {
	if maxRequests < 0 {
		maxRequests = 0
	}
	s.mu.Lock()
	s.maxRequests = maxRequests
	s.mu.Unlock()
}

// ResetAt is when the oldest logged entry leaves the window.
func (s *SlidingWindowCounter) ResetAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.evict(now)
	if len(s.log) == 0 {
		return now
	}
	return s.log[0].Add(s.window)
}

// RetryAfter is zero when the window has room, otherwise the wait until the
// oldest entry expires.
func (s *SlidingWindowCounter) RetryAfter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.evict(now)
	if len(s.log) < s.maxRequests || len(s.log) == 0 {
		return 0
	}
	return s.log[0].Add(s.window).Sub(now)
}

// SetWindow changes the window length. Retained entries are re-evaluated
// against the new window on the next call.
func (s *SlidingWindowCounter) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	s.mu.Lock()
	s.window = window
	s.mu.Unlock()
}
