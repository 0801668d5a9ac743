package ratelimit

import (
	"math"
	"sync"
	"time"
)

const minBurstHistory = 100

// burstTracker is the unsynchronized per-client burst state. Callers hold the
// owning lock.
type burstTracker struct {
	history       []time.Time
	cooldownUntil time.Time
}

// burstThreshold is the count inside the burst window above which a burst is
// declared: ratio requests per second over the window length.
func burstThreshold(window time.Duration, ratio float64) float64 {
	return ratio * window.Seconds()
}

// historyCap keeps enough timestamps to ever exceed the threshold.
func historyCap(threshold float64) int {
	return max(minBurstHistory, int(math.Floor(threshold))+2)
}

func (t *burstTracker) record(now time.Time, window time.Duration, capacity int) {
	t.evict(now, window)
	if n := len(t.history); n > 0 && now.Before(t.history[n-1]) {
		now = t.history[n-1]
	}
	if len(t.history) >= capacity {
		drop := len(t.history) - capacity + 1
		n := copy(t.history, t.history[drop:])
		t.history = t.history[:n]
	}
	t.history = append(t.history, now)
}

func (t *burstTracker) evict(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(t.history) && !t.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(t.history, t.history[i:])
		t.history = t.history[:n]
	}
}

// inCooldown reports whether a previously triggered cooldown is still running.
func (t *burstTracker) inCooldown(now time.Time) bool {
	return !t.cooldownUntil.IsZero() && now.Before(t.cooldownUntil)
}

// detect honours a running cooldown, otherwise declares a burst when the
// windowed count exceeds threshold and starts a new cooldown.
func (t *burstTracker) detect(now time.Time, window, cooldown time.Duration, threshold float64) bool {
	if t.inCooldown(now) {
		return true
	}
	if !t.cooldownUntil.IsZero() {
		t.cooldownUntil = time.Time{}
	}

	t.evict(now, window)
	if float64(len(t.history)) <= threshold {
		return false
	}

	t.cooldownUntil = now.Add(cooldown)
	t.history = t.history[:0]
	return true
}

// cooldown returns the end of the running cooldown, or nil.
func (t *burstTracker) cooldown(now time.Time) *time.Time {
	if !t.inCooldown(now) {
		return nil
	}
	until := t.cooldownUntil
	return &until
}

// BurstDetector flags short-horizon spikes per client and holds flagged
// clients in cooldown until it elapses. It is safe for concurrent use.
type BurstDetector struct {
	clock     Clock
	window    time.Duration
	cooldown  time.Duration
	threshold float64
	capacity  int
	clients   *shardedMap[*burstEntry]
}

type burstEntry struct {
	mu       sync.Mutex
	tracker  burstTracker
	lastSeen time.Time
}

// NewBurstDetector creates a detector that triggers when more than
// ratio × window-seconds requests land inside window.
func NewBurstDetector(window, cooldown time.Duration, ratio float64, clock Clock) *BurstDetector {
	if clock == nil {
		clock = SystemClock()
	}
	threshold := burstThreshold(window, ratio)
	return &BurstDetector{
		clock:     clock,
		window:    window,
		cooldown:  cooldown,
		threshold: threshold,
		capacity:  historyCap(threshold),
		clients:   newShardedMap[*burstEntry](),
	}
}

func (d *BurstDetector) entry(clientID string) *burstEntry {
	e, _ := d.clients.getOrCreate(clientID, func() *burstEntry { return &burstEntry{} })
	return e
}

// RecordRequest adds one request to the client's history.
func (d *BurstDetector) RecordRequest(clientID string) {
	e := d.entry(clientID)
	now := d.clock.Now()

	e.mu.Lock()
	e.tracker.record(now, d.window, d.capacity)
	e.lastSeen = now
	e.mu.Unlock()
}

// Detect reports whether the client is bursting or still cooling down.
func (d *BurstDetector) Detect(clientID string) (bool, Reason) {
	e, ok := d.clients.get(clientID)
	if !ok {
		return false, ReasonNone
	}
	now := d.clock.Now()

	e.mu.Lock()
	triggered := e.tracker.detect(now, d.window, d.cooldown, d.threshold)
	e.mu.Unlock()

	if triggered {
		return true, ReasonBurstCooldown
	}
	return false, ReasonNone
}

// CooldownUntil returns when the client's cooldown ends, or nil if none is running.
func (d *BurstDetector) CooldownUntil(clientID string) *time.Time {
	e, ok := d.clients.get(clientID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.cooldown(d.clock.Now())
}

// Forget drops all state for a client.
func (d *BurstDetector) Forget(clientID string) {
	d.clients.delete(clientID)
}

// Prune removes clients idle for longer than idle whose cooldown has elapsed.
func (d *BurstDetector) Prune(idle time.Duration) int {
	now := d.clock.Now()
	return d.clients.deleteIf(func(_ string, e *burstEntry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return now.Sub(e.lastSeen) > idle && !e.tracker.inCooldown(now)
	})
}
