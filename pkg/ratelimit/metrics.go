package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// MaxCustomMetrics caps the number of distinct custom metric names.
const MaxCustomMetrics = 64

// ErrTooManyCustomMetrics is returned when a new custom metric name would
// exceed MaxCustomMetrics.
var ErrTooManyCustomMetrics = errors.New("custom metrics limit reached")

// NoOpMetricsRecorder discards everything.
type NoOpMetricsRecorder struct{}

func (NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}

var (
	strategyIndex = []Strategy{
		StrategyTokenBucket, StrategySlidingWindow, StrategyFixedWindow, StrategyAdaptive,
		StrategyAccessList, StrategyBurstDetector, StrategyGracefulDegradation, StrategyFailSafe,
	}
	threatIndex = []ThreatLevel{ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical}
	reasonIndex = []Reason{
		ReasonWhitelisted, ReasonBlacklisted, ReasonBurstCooldown,
		ReasonRateLimitExceeded, ReasonDegraded, ReasonInternalError,
	}
)

func indexOf[T comparable](values []T, v T) int {
	for i, known := range values {
		if known == v {
			return i
		}
	}
	return -1
}

// counters are the lock-free totals written by the hot path.
type counters struct {
	total       atomic.Int64
	allowed     atomic.Int64
	blocked     atomic.Int64
	throttled   atomic.Int64
	failures    atomic.Int64
	stateResets atomic.Int64
	backendErrs atomic.Int64

	byStrategy [8]atomic.Int64
	byTier     [5]atomic.Int64
	byThreat   [4]atomic.Int64
	byReason   [6]atomic.Int64
}

func (c *counters) record(result AdmissionResult) {
	c.total.Add(1)
	switch {
	case result.Throttled:
		c.allowed.Add(1)
		c.throttled.Add(1)
	case result.Allowed:
		c.allowed.Add(1)
	default:
		c.blocked.Add(1)
	}
	if i := indexOf(strategyIndex, result.AppliedStrategy); i >= 0 {
		c.byStrategy[i].Add(1)
	}
	if i := indexOf(Tiers, result.Tier); i >= 0 {
		c.byTier[i].Add(1)
	}
	if i := indexOf(threatIndex, result.ThreatLevel); i >= 0 {
		c.byThreat[i].Add(1)
	}
	if i := indexOf(reasonIndex, result.Reason); i >= 0 {
		c.byReason[i].Add(1)
	}
}

// snapshot copies the counters into a fresh SystemMetricsSnapshot.
func (c *counters) snapshot(now time.Time) SystemMetricsSnapshot {
	s := SystemMetricsSnapshot{
		Timestamp:         now,
		TotalRequests:     c.total.Load(),
		AllowedRequests:   c.allowed.Load(),
		BlockedRequests:   c.blocked.Load(),
		ThrottledRequests: c.throttled.Load(),
		Failures:          c.failures.Load(),
		StateResets:       c.stateResets.Load(),
		BackendErrors:     c.backendErrs.Load(),
		ByStrategy:        make(map[Strategy]int64, len(strategyIndex)),
		ByTier:            make(map[Tier]int64, len(Tiers)),
		ByThreat:          make(map[ThreatLevel]int64, len(threatIndex)),
		ByReason:          make(map[Reason]int64, len(reasonIndex)),
	}
	for i, strategy := range strategyIndex {
		if n := c.byStrategy[i].Load(); n > 0 {
			s.ByStrategy[strategy] = n
		}
	}
	for i, tier := range Tiers {
		if n := c.byTier[i].Load(); n > 0 {
			s.ByTier[tier] = n
		}
	}
	for i, threat := range threatIndex {
		if n := c.byThreat[i].Load(); n > 0 {
			s.ByThreat[threat] = n
		}
	}
	for i, reason := range reasonIndex {
		if n := c.byReason[i].Load(); n > 0 {
			s.ByReason[reason] = n
		}
	}
	return s
}

// customMetrics is a bounded name → value bag.
type customMetrics struct {
	mu     sync.RWMutex
	values map[string]float64
}

func newCustomMetrics() *customMetrics {
	return &customMetrics{values: make(map[string]float64)}
}

func (m *customMetrics) set(name string, value float64) error {
	if name == "" {
		return errors.New("custom metric name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.values[name]; !exists && len(m.values) >= MaxCustomMetrics {
		return ErrTooManyCustomMetrics
	}
	m.values[name] = value
	return nil
}

func (m *customMetrics) remove(name string) {
	m.mu.Lock()
	delete(m.values, name)
	m.mu.Unlock()
}

func (m *customMetrics) copy() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.values) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m.values))
	for name, value := range m.values {
		out[name] = value
	}
	return out
}
