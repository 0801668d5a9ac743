package ratelimit

import (
	"math"
	"sync"
	"time"
)

// minAdaptiveSamples is how many samples the controller needs before it
// moves away from the baseline.
const minAdaptiveSamples = 10

type usageSample struct {
	at    time.Time
	value float64
}

// adaptiveTracker is the unsynchronized per-client adaptive state. Callers
// hold the owning lock.
type adaptiveTracker struct {
	samples []usageSample
	rate    float64
	primed  bool
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func (t *adaptiveTracker) evict(now time.Time, horizon time.Duration) {
	cutoff := now.Add(-horizon)
	i := 0
	for i < len(t.samples) && !t.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(t.samples, t.samples[i:])
		t.samples = t.samples[:n]
	}
}

func (t *adaptiveTracker) stats() (mean, stddev float64) {
	n := float64(len(t.samples))
	if n == 0 {
		return 0, 0
	}
	for _, s := range t.samples {
		mean += s.value
	}
	mean /= n
	var variance float64
	for _, s := range t.samples {
		d := s.value - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / n)
}

// compute scores usage against the history, derives the new allowance and
// then appends usage. The result always lies in [MinRate, MaxRate].
func (t *adaptiveTracker) compute(now time.Time, usage, baseline float64, cfg AdaptiveConfig) float64 {
	baseline = clamp(baseline, cfg.MinRate, cfg.MaxRate)
	if !t.primed {
		t.rate = baseline
		t.primed = true
	}
	t.evict(now, time.Duration(cfg.LearningWindowSeconds)*time.Second)

	if len(t.samples) < minAdaptiveSamples {
		t.rate = baseline
	} else {
		mean, stddev := t.stats()
		score := 0.0
		if stddev > 0 {
			score = math.Abs(usage-mean) / stddev
		}
		if score > cfg.AnomalyThreshold {
			t.rate = baseline * (1 - score*cfg.ReductionFactor)
		} else {
			t.rate += cfg.IncreaseStep
		}
	}
	t.rate = clamp(t.rate, cfg.MinRate, cfg.MaxRate)

	limit := max(cfg.HistorySize, minAdaptiveSamples)
	if len(t.samples) >= limit {
		drop := len(t.samples) - limit + 1
		n := copy(t.samples, t.samples[drop:])
		t.samples = t.samples[:n]
	}
	t.samples = append(t.samples, usageSample{at: now, value: usage})
	return t.rate
}

// AdaptiveController derives a per-client allowance from a rolling usage
// history scored by its deviation from the mean. It is safe for concurrent use.
type AdaptiveController struct {
	clock    Clock
	cfg      AdaptiveConfig
	baseline float64
	clients  *shardedMap[*adaptiveEntry]
}

type adaptiveEntry struct {
	mu      sync.Mutex
	tracker adaptiveTracker
}

// NewAdaptiveController creates a controller whose allowance starts at baseline.
func NewAdaptiveController(cfg AdaptiveConfig, baseline float64, clock Clock) *AdaptiveController {
	if clock == nil {
		clock = SystemClock()
	}
	return &AdaptiveController{
		clock:    clock,
		cfg:      cfg,
		baseline: baseline,
		clients:  newShardedMap[*adaptiveEntry](),
	}
}

// ComputeAllowance records currentUsage for the client and returns the
// adjusted allowance.
func (c *AdaptiveController) ComputeAllowance(clientID string, currentUsage float64) float64 {
	e, _ := c.clients.getOrCreate(clientID, func() *adaptiveEntry { return &adaptiveEntry{} })

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.compute(c.clock.Now(), currentUsage, c.baseline, c.cfg)
}

// CurrentRate returns the last computed allowance, or the clamped baseline for
// clients never seen.
func (c *AdaptiveController) CurrentRate(clientID string) float64 {
	e, ok := c.clients.get(clientID)
	if !ok {
		return clamp(c.baseline, c.cfg.MinRate, c.cfg.MaxRate)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tracker.primed {
		return clamp(c.baseline, c.cfg.MinRate, c.cfg.MaxRate)
	}
	return e.tracker.rate
}

// Samples returns how many usage samples are held for the client.
func (c *AdaptiveController) Samples(clientID string) int {
	e, ok := c.clients.get(clientID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracker.samples)
}

// Forget drops all state for a client.
func (c *AdaptiveController) Forget(clientID string) {
	c.clients.delete(clientID)
}
