package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Add(name string, value float64, tags map[string]string) {
	m.Called(name, value, tags)
}

func (m *MockRecorder) Observe(name string, value float64, tags map[string]string) {
	m.Called(name, value, tags)
}

func TestAggregate_RatesAndExport(t *testing.T) {
	recorder := &MockRecorder{}
	recorder.On("Add", mock.Anything, mock.Anything, mock.Anything).Return()
	recorder.On("Observe", mock.Anything, mock.Anything, mock.Anything).Return()

	var seen []SystemMetricsSnapshot
	limiter, clock := newTestLimiter(t, basePolicy(2, 60),
		WithRecorder(recorder),
		WithSnapshotHandler(func(s SystemMetricsSnapshot) { seen = append(seen, s) }),
	)

	first := limiter.Aggregate()
	assert.Zero(t, first.TotalRequests)
	assert.Zero(t, first.DenialRate)

	for i := 0; i < 4; i++ {
		limiter.CheckAdmission("c", request("1.2.3.4"), StrategySlidingWindow)
	}
	clock.Advance(2 * time.Second)

	second := limiter.Aggregate()
	assert.Equal(t, int64(4), second.TotalRequests)
	assert.Equal(t, int64(2), second.AllowedRequests)
	assert.Equal(t, int64(2), second.BlockedRequests)
	assert.Equal(t, 2.0, second.RequestsPerSecond)
	assert.Equal(t, 0.5, second.DenialRate)
	assert.Equal(t, 0.5, second.Utilization, "the default utilization signal is the denial rate")
	assert.Equal(t, 1, second.ActiveClients)
	assert.Equal(t, int64(2), second.ByReason[ReasonRateLimitExceeded])
	assert.Equal(t, int64(4), second.ByTier[TierFree])
	assert.Equal(t, int64(4), second.ByThreat[ThreatLow])

	recorder.AssertCalled(t, "Add", "ratelimit_requests_total", 2.0, map[string]string{"outcome": "blocked"})
	recorder.AssertCalled(t, "Observe", "ratelimit_denial_rate", 0.5, map[string]string(nil))
	recorder.AssertCalled(t, "Observe", "ratelimit_active_clients", 1.0, map[string]string(nil))

	require.Len(t, seen, 2)
	assert.Equal(t, second.TotalRequests, seen[1].TotalRequests)

	current := limiter.GetSystemMetrics()
	assert.Equal(t, 0.5, current.DenialRate)
	assert.Equal(t, 2.0, current.RequestsPerSecond)
}

func TestAggregate_DenialRateIsPerInterval(t *testing.T) {
	limiter, clock := newTestLimiter(t, basePolicy(1, 60))

	limiter.CheckAdmission("c", request("1.2.3.4"), StrategyDefault)
	limiter.CheckAdmission("c", request("1.2.3.4"), StrategyDefault)
	limiter.Aggregate()

	clock.Advance(time.Second)
	limiter.CheckAdmission("d", request("1.2.3.5"), StrategyDefault)
	snapshot := limiter.Aggregate()
	assert.Equal(t, 0.0, snapshot.DenialRate)
	assert.Equal(t, 1.0, snapshot.RequestsPerSecond)

	clock.Advance(time.Second)
	snapshot = limiter.Aggregate()
	assert.Equal(t, 0.0, snapshot.DenialRate, "an idle interval reports no denials")
}

func TestCustomMetrics_Capped(t *testing.T) {
	limiter, _ := newTestLimiter(t, basePolicy(1, 60))

	for i := 0; i < MaxCustomMetrics; i++ {
		require.NoError(t, limiter.SetCustomMetric(fmt.Sprintf("m%d", i), float64(i)))
	}
	assert.ErrorIs(t, limiter.SetCustomMetric("one-too-many", 1), ErrTooManyCustomMetrics)
	assert.NoError(t, limiter.SetCustomMetric("m0", 42), "updating an existing name is allowed")
	assert.Error(t, limiter.SetCustomMetric("", 1))

	limiter.RemoveCustomMetric("m1")
	assert.NoError(t, limiter.SetCustomMetric("one-too-many", 1))

	custom := limiter.GetSystemMetrics().Custom
	assert.Len(t, custom, MaxCustomMetrics)
	assert.Equal(t, 42.0, custom["m0"])
}

func TestNoOpMetricsRecorder(t *testing.T) {
	var recorder MetricsRecorder = NoOpMetricsRecorder{}
	assert.NotPanics(t, func() {
		recorder.Add("x", 1, nil)
		recorder.Observe("x", 1, map[string]string{"a": "b"})
	})
}
