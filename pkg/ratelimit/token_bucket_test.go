package ratelimit

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewTokenBucket_RejectsBadShape(t *testing.T) {
	_, err := NewTokenBucket(0, 1, nil)
	assert.Error(t, err)

	_, err = NewTokenBucket(10, 0, nil)
	assert.Error(t, err)

	bucket, err := NewTokenBucket(10, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, bucket.Capacity())
	assert.InDelta(t, 10.0, bucket.Tokens(), 0.001)
}

func TestTokenBucket_DrainAndRefill(t *testing.T) {
	clock := NewManualClock(testEpoch)
	bucket, err := NewTokenBucket(10, 1, clock)
	require.NoError(t, err)

	assert.True(t, bucket.Acquire(10))
	assert.InDelta(t, 0.0, bucket.Tokens(), 0.001)
	assert.False(t, bucket.Acquire(1))

	clock.Advance(2 * time.Second)
	assert.InDelta(t, 2.0, bucket.Tokens(), 0.001)
	assert.True(t, bucket.Acquire(2))
	assert.False(t, bucket.Acquire(1))
}

func TestTokenBucket_OversizedRequestNeverSucceeds(t *testing.T) {
	clock := NewManualClock(testEpoch)
	bucket, err := NewTokenBucket(5, 100, clock)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Hour)
		assert.False(t, bucket.Acquire(6))
	}
	assert.True(t, bucket.Acquire(5))
}

func TestTokenBucket_ClockStepBackMintsNothing(t *testing.T) {
	clock := NewManualClock(testEpoch)
	bucket, err := NewTokenBucket(4, 1, clock)
	require.NoError(t, err)

	require.True(t, bucket.Acquire(4))
	clock.Advance(-time.Minute)
	assert.InDelta(t, 0.0, bucket.Tokens(), 0.001)
	clock.Advance(time.Minute)
	assert.InDelta(t, 0.0, bucket.Tokens(), 0.001)
	clock.Advance(time.Second)
	assert.InDelta(t, 1.0, bucket.Tokens(), 0.001)
}

func TestTokenBucket_TokensStayInBounds(t *testing.T) {
	clock := NewManualClock(testEpoch)
	bucket, err := NewTokenBucket(20, 3, clock)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		if rng.Intn(3) == 0 {
			clock.Advance(time.Duration(rng.Intn(2000)) * time.Millisecond)
		}
		bucket.Acquire(rng.Intn(25))

		tokens := bucket.Tokens()
		require.GreaterOrEqual(t, tokens, 0.0)
		require.LessOrEqual(t, tokens, 20.0)
	}
}

func TestTokenBucket_Reshape(t *testing.T) {
	clock := NewManualClock(testEpoch)
	bucket, err := NewTokenBucket(10, 1, clock)
	require.NoError(t, err)

	bucket.Reshape(4, 2)
	assert.Equal(t, 4, bucket.Capacity())
	assert.Equal(t, 2.0, bucket.RefillRate())
	assert.LessOrEqual(t, bucket.Tokens(), 4.0)
	assert.True(t, bucket.Acquire(4))
	assert.False(t, bucket.Acquire(1))
	assert.Equal(t, 500*time.Millisecond, bucket.RetryAfter(1))
}

func TestTokenBucket_ConcurrentAcquireBound(t *testing.T) {
	const (
		capacity = 50
		refill   = 10.0
		workers  = 32
	)
	clock := NewManualClock(testEpoch)
	bucket, err := NewTokenBucket(capacity, refill, clock)
	require.NoError(t, err)

	var granted atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if bucket.Acquire(1) {
					granted.Add(1)
				}
			}
		}()
	}

	elapsed := time.Duration(0)
	for i := 0; i < 20; i++ {
		clock.Advance(100 * time.Millisecond)
		elapsed += 100 * time.Millisecond
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	bound := int64(capacity) + int64(elapsed.Seconds()*refill)
	assert.LessOrEqual(t, granted.Load(), bound)
	assert.GreaterOrEqual(t, granted.Load(), int64(capacity))
}
