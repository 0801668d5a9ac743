package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxClientIDLength bounds client identifiers in bytes.
const MaxClientIDLength = 256

// ValidateClientID rejects empty, oversized and non-printable identifiers.
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(clientID) > MaxClientIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidClientID, MaxClientIDLength)
	}
	if !utf8.ValidString(clientID) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidClientID)
	}
	for _, r := range clientID {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidClientID)
		}
	}
	return nil
}

// clientState is everything the limiter knows about one client. All fields
// are guarded by mu. A state removed from the map is marked evicted so a
// caller that raced with the removal retries against a fresh entry.
type clientState struct {
	mu      sync.Mutex
	id      string
	evicted bool

	version  uint64
	tier     Tier
	limit    TierLimit
	lastSeen time.Time

	bucket         *TokenBucket
	sliding        *SlidingWindowCounter
	fixed          *FixedWindowCounter
	adaptiveWindow *SlidingWindowCounter
	degraded       *SlidingWindowCounter
	adaptive       adaptiveTracker
	burst          burstTracker

	total     int64
	allowed   int64
	blocked   int64
	throttled int64

	globalWindow int64
	globalCount  int64
}

func newClientState(clientID string) *clientState {
	return &clientState{id: clientID}
}

func degradedCeiling(limit TierLimit, factor float64) int {
	return max(1, int(math.Floor(float64(limit.RequestsPerWindow)*factor)))
}

// shape builds the primitives on first use and re-shapes them in place when
// the policy version or the client's tier changed. Balances carry over, so a
// reload never hands out free capacity.
func (s *clientState) shape(policy *RateLimitPolicy, version uint64, tier Tier, limit TierLimit, clock Clock) error {
	if s.bucket != nil && s.version == version && s.tier == tier && s.limit == limit {
		return nil
	}

	window := policy.Window()
	refill := float64(limit.RequestsPerWindow) / window.Seconds()
	ceiling := degradedCeiling(limit, policy.Degradation.Factor)

	if s.bucket == nil {
		bucket, err := NewTokenBucket(limit.BurstLimit, refill, clock)
		if err != nil {
			return fmt.Errorf("shape client %s: %w", s.id, err)
		}
		s.bucket = bucket
		s.sliding = NewSlidingWindowCounter(limit.RequestsPerWindow, window, clock)
		s.fixed = NewFixedWindowCounter(limit.RequestsPerWindow, window, clock)
		s.adaptiveWindow = NewSlidingWindowCounter(limit.RequestsPerWindow, window, clock)
		s.degraded = NewSlidingWindowCounter(ceiling, window, clock)
	} else {
		s.bucket.Reshape(limit.BurstLimit, refill)
		s.sliding.SetWindow(window)
		s.sliding.SetLimit(limit.RequestsPerWindow)
		s.fixed.SetWindow(window)
		s.fixed.SetLimit(limit.RequestsPerWindow)
		s.adaptiveWindow.SetWindow(window)
		s.degraded.SetWindow(window)
		s.degraded.SetLimit(ceiling)
	}

	s.version = version
	s.tier = tier
	s.limit = limit
	return nil
}

// verify checks the invariants the request path relies on.
func (s *clientState) verify() error {
	if s.bucket == nil || s.sliding == nil || s.fixed == nil || s.adaptiveWindow == nil || s.degraded == nil {
		return fmt.Errorf("%w: client %s has missing primitives", ErrInternalStateCorruption, s.id)
	}
	tokens := s.bucket.Tokens()
	if tokens < 0 || tokens > float64(s.bucket.Capacity()) || math.IsNaN(tokens) {
		return fmt.Errorf("%w: client %s holds %g tokens for capacity %d", ErrInternalStateCorruption, s.id, tokens, s.bucket.Capacity())
	}
	if s.allowed+s.blocked != s.total || s.throttled > s.allowed {
		return fmt.Errorf("%w: client %s counters disagree", ErrInternalStateCorruption, s.id)
	}
	return nil
}

// reset drops every primitive and counter. Identity, lastSeen and a running
// burst cooldown survive.
func (s *clientState) reset() {
	s.version = 0
	s.tier = ""
	s.limit = TierLimit{}
	s.bucket, s.sliding, s.fixed, s.adaptiveWindow, s.degraded = nil, nil, nil, nil, nil
	s.adaptive = adaptiveTracker{}
	s.burst = burstTracker{cooldownUntil: s.burst.cooldownUntil}
	s.total, s.allowed, s.blocked, s.throttled = 0, 0, 0, 0
	s.globalWindow, s.globalCount = 0, 0
}

func (s *clientState) count(result AdmissionResult) {
	s.total++
	if result.Allowed {
		s.allowed++
	} else {
		s.blocked++
	}
	if result.Throttled {
		s.throttled++
	}
}

func (s *clientState) blockedRate() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.blocked) / float64(s.total)
}

// observeGlobal records a count reported by the distributed store. Counts for
// older windows never overwrite newer ones.
func (s *clientState) observeGlobal(windowIndex, count int64) {
	switch {
	case windowIndex > s.globalWindow:
		s.globalWindow = windowIndex
		s.globalCount = count
	case windowIndex == s.globalWindow && count > s.globalCount:
		s.globalCount = count
	}
}

func (s *clientState) stats(now time.Time) ClientStatsSnapshot {
	snapshot := ClientStatsSnapshot{
		ClientID:       s.id,
		Known:          true,
		Tier:           s.tier,
		Total:          s.total,
		Allowed:        s.allowed,
		Blocked:        s.blocked,
		Throttled:      s.throttled,
		AdaptiveRate:   s.adaptive.rate,
		CooldownUntil:  s.burst.cooldown(now),
		LastSeen:       s.lastSeen,
		GlobalCount:    s.globalCount,
		HistorySamples: len(s.adaptive.samples),
	}
	if s.bucket != nil {
		snapshot.Tokens = s.bucket.Tokens()
		snapshot.TokenCapacity = s.bucket.Capacity()
	}
	if s.sliding != nil {
		snapshot.WindowCount = s.sliding.Count()
	}
	return snapshot
}
