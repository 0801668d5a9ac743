package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a fixed-capacity bucket that refills continuously.
// Refill and debit happen in one step under the bucket's lock.
type TokenBucket struct {
	mu       sync.Mutex
	clock    Clock
	limiter  *rate.Limiter
	capacity int
	refill   float64
	last     time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens that refills at
// refillPerSecond tokens per second.
func NewTokenBucket(capacity int, refillPerSecond float64, clock Clock) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("token bucket capacity must be positive, got %d", capacity)
	}
	if refillPerSecond <= 0 {
		return nil, fmt.Errorf("token bucket refill rate must be positive, got %g", refillPerSecond)
	}
	if clock == nil {
		clock = SystemClock()
	}

	return &TokenBucket{
		clock:    clock,
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		refill:   refillPerSecond,
		last:     clock.Now(),
	}, nil
}

// now never runs backwards, so a clock that jumps back cannot mint tokens.
func (b *TokenBucket) now() time.Time {
	t := b.clock.Now()
	if t.Before(b.last) {
		return b.last
	}
	b.last = t
	return t
}

// Acquire refills the bucket and debits n tokens if the balance stays
// non-negative. A request larger than the capacity always fails.
func (b *TokenBucket) Acquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.capacity {
		return false
	}
	return b.limiter.AllowN(b.now(), n)
}

// Tokens returns the refilled balance without debiting.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokensLocked()
}

func (b *TokenBucket) tokensLocked() float64 {
	tokens := b.limiter.TokensAt(b.now())
	if tokens < 0 {
		return 0
	}
	return tokens
}

// Capacity returns the maximum number of tokens.
func (b *TokenBucket) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// RefillRate returns tokens added per second.
func (b *TokenBucket) RefillRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refill
}

// Reshape changes capacity and refill rate in place. The current balance is
// kept, clamped to the new capacity.
func (b *TokenBucket) Reshape(capacity int, refillPerSecond float64) {
	if capacity <= 0 || refillPerSecond <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.limiter.SetLimitAt(now, rate.Limit(refillPerSecond))
	b.limiter.SetBurstAt(now, capacity)
	b.capacity = capacity
	b.refill = refillPerSecond
}

// RetryAfter estimates how long until n tokens are available.
func (b *TokenBucket) RetryAfter(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	missing := float64(n) - b.tokensLocked()
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.refill * float64(time.Second))
}
