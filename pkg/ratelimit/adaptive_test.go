package ratelimit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdaptiveConfig() AdaptiveConfig {
	cfg := DefaultPolicy().Adaptive
	cfg.MinRate = 10
	cfg.MaxRate = 200
	return cfg
}

func TestAdaptiveController_BaselineUntilEnoughSamples(t *testing.T) {
	clock := NewManualClock(testEpoch)
	controller := NewAdaptiveController(testAdaptiveConfig(), 100, clock)

	for i := 0; i < minAdaptiveSamples; i++ {
		assert.Equal(t, 100.0, controller.ComputeAllowance("c", float64(i*50)))
		clock.Advance(time.Second)
	}
	assert.Equal(t, minAdaptiveSamples, controller.Samples("c"))
}

func TestAdaptiveController_SteadyUsageNudgesUp(t *testing.T) {
	clock := NewManualClock(testEpoch)
	controller := NewAdaptiveController(testAdaptiveConfig(), 100, clock)

	for i := 0; i < minAdaptiveSamples; i++ {
		controller.ComputeAllowance("c", 5)
	}
	assert.Equal(t, 101.0, controller.ComputeAllowance("c", 5))
	assert.Equal(t, 102.0, controller.ComputeAllowance("c", 5))
	assert.Equal(t, 102.0, controller.CurrentRate("c"))
}

func TestAdaptiveController_AnomalyCutsAllowance(t *testing.T) {
	clock := NewManualClock(testEpoch)
	cfg := testAdaptiveConfig()
	controller := NewAdaptiveController(cfg, 100, clock)

	for i := 0; i < 20; i++ {
		controller.ComputeAllowance("c", float64(4+2*(i%2)))
	}

	// mean 5, stddev 1: a usage of 8.5 scores 3.5 and cuts the baseline by 35%.
	assert.InDelta(t, 65.0, controller.ComputeAllowance("c", 8.5), 0.5)

	// A huge spike would go negative and is clamped to the floor.
	assert.Equal(t, cfg.MinRate, controller.ComputeAllowance("c", 10000))
}

func TestAdaptiveController_SamplesAgeOut(t *testing.T) {
	clock := NewManualClock(testEpoch)
	cfg := testAdaptiveConfig()
	cfg.LearningWindowSeconds = 60
	controller := NewAdaptiveController(cfg, 100, clock)

	for i := 0; i < 30; i++ {
		controller.ComputeAllowance("c", 5)
	}
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 100.0, controller.ComputeAllowance("c", 5))
	assert.Equal(t, 1, controller.Samples("c"))
}

func TestAdaptiveController_RateAlwaysWithinBounds(t *testing.T) {
	clock := NewManualClock(testEpoch)
	cfg := testAdaptiveConfig()
	cfg.IncreaseStep = 25
	cfg.HistorySize = 15

	for _, baseline := range []float64{0, 5, 100, 5000} {
		controller := NewAdaptiveController(cfg, baseline, clock)
		rng := rand.New(rand.NewSource(int64(baseline) + 1))
		for i := 0; i < 2000; i++ {
			clock.Advance(time.Duration(rng.Intn(500)) * time.Millisecond)
			usage := rng.ExpFloat64() * 40
			rate := controller.ComputeAllowance("c", usage)
			require.GreaterOrEqual(t, rate, cfg.MinRate)
			require.LessOrEqual(t, rate, cfg.MaxRate)
		}
		assert.LessOrEqual(t, controller.Samples("c"), cfg.HistorySize)
	}
}

func TestAdaptiveController_UnknownClientReportsBaseline(t *testing.T) {
	controller := NewAdaptiveController(testAdaptiveConfig(), 1000, nil)
	assert.Equal(t, 200.0, controller.CurrentRate("nobody"))

	controller.ComputeAllowance("c", 1)
	controller.Forget("c")
	assert.Equal(t, 0, controller.Samples("c"))
}
