package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstDetector_TriggersAndHoldsCooldown(t *testing.T) {
	clock := NewManualClock(testEpoch)
	detector := NewBurstDetector(5*time.Second, 30*time.Second, 2.0, clock)

	for i := 0; i < 20; i++ {
		detector.RecordRequest("X")
		clock.Advance(40 * time.Millisecond)
	}

	triggered, reason := detector.Detect("X")
	require.True(t, triggered)
	assert.Equal(t, ReasonBurstCooldown, reason)

	until := detector.CooldownUntil("X")
	require.NotNil(t, until)

	// No further traffic: the cooldown still holds until it elapses.
	for _, step := range []time.Duration{time.Second, 10 * time.Second, 18 * time.Second} {
		clock.Advance(step)
		triggered, reason = detector.Detect("X")
		assert.True(t, triggered)
		assert.Equal(t, ReasonBurstCooldown, reason)
	}

	clock.Set(*until)
	triggered, reason = detector.Detect("X")
	assert.False(t, triggered)
	assert.Equal(t, ReasonNone, reason)
	assert.Nil(t, detector.CooldownUntil("X"))
}

func TestBurstDetector_BelowThresholdNeverTriggers(t *testing.T) {
	clock := NewManualClock(testEpoch)
	detector := NewBurstDetector(5*time.Second, 30*time.Second, 2.0, clock)

	// Ten requests in five seconds is exactly the threshold, not above it.
	for i := 0; i < 10; i++ {
		detector.RecordRequest("steady")
		clock.Advance(400 * time.Millisecond)
	}
	triggered, _ := detector.Detect("steady")
	assert.False(t, triggered)

	triggered, _ = detector.Detect("never-seen")
	assert.False(t, triggered)
}

func TestBurstDetector_RatioIsConfigurable(t *testing.T) {
	clock := NewManualClock(testEpoch)
	strict := NewBurstDetector(5*time.Second, time.Minute, 0.5, clock)
	lenient := NewBurstDetector(5*time.Second, time.Minute, 10, clock)

	for i := 0; i < 5; i++ {
		strict.RecordRequest("c")
		lenient.RecordRequest("c")
	}

	triggered, _ := strict.Detect("c")
	assert.True(t, triggered)
	triggered, _ = lenient.Detect("c")
	assert.False(t, triggered)
}

func TestBurstDetector_HistoryIsBounded(t *testing.T) {
	clock := NewManualClock(testEpoch)
	detector := NewBurstDetector(time.Second, time.Second, 1000, clock)

	for i := 0; i < 5000; i++ {
		detector.RecordRequest("flood")
	}
	e, ok := detector.clients.get("flood")
	require.True(t, ok)
	assert.LessOrEqual(t, len(e.tracker.history), historyCap(burstThreshold(time.Second, 1000)))
}

func TestBurstDetector_PruneKeepsCoolingClients(t *testing.T) {
	clock := NewManualClock(testEpoch)
	detector := NewBurstDetector(time.Second, time.Hour, 2.0, clock)

	for i := 0; i < 10; i++ {
		detector.RecordRequest("hot")
	}
	detector.RecordRequest("quiet")
	triggered, _ := detector.Detect("hot")
	require.True(t, triggered)

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, detector.Prune(time.Minute))

	triggered, _ = detector.Detect("hot")
	assert.True(t, triggered)

	detector.Forget("hot")
	triggered, _ = detector.Detect("hot")
	assert.False(t, triggered)
}
