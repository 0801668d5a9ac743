package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Start launches the reaper, the metrics aggregator and the distributed sync
// workers. It returns immediately; the tasks stop when ctx is cancelled or
// Stop is called. Calling Start more than once has no effect.
func (l *RateLimiter) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, l.cancel = context.WithCancel(ctx)

		l.wg.Add(2)
		go l.loop(ctx, "reaper", l.reaperInterval, l.reap)
		go l.loop(ctx, "metrics aggregator", l.metricsInterval, l.aggregate)

		if l.store != nil {
			l.wg.Add(l.syncWorkers)
			for i := 0; i < l.syncWorkers; i++ {
				go l.runSyncWorker(ctx)
			}
		}
		l.log.WithFields(logrus.Fields{
			"reaper_interval":  l.reaperInterval,
			"metrics_interval": l.metricsInterval,
		}).Info("rate limiter background tasks started")
	})
}

// Stop cancels the background tasks and waits for them to exit.
func (l *RateLimiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.wg.Wait()
	})
}

// loop runs task on every tick. A failing or panicking task is logged and
// retried on the next tick.
func (l *RateLimiter) loop(ctx context.Context, name string, interval time.Duration, task func(context.Context)) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runTask(ctx, name, task)
		}
	}
}

func (l *RateLimiter) runTask(ctx context.Context, name string, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("task", name).Errorf("background task panicked: %v", r)
		}
	}()
	task(ctx)
}

// reap evicts clients idle for longer than the policy's idle timeout. Busy
// clients and clients in a burst cooldown are kept.
func (l *RateLimiter) reap(context.Context) {
	l.Reap()
}

// Reap runs one eviction pass and returns the number of clients removed.
func (l *RateLimiter) Reap() int {
	idle := l.current.Load().policy.IdleTimeout()
	now := l.clock.Now()

	removed := l.clients.deleteIf(func(_ string, st *clientState) bool {
		if !st.mu.TryLock() {
			return false
		}
		defer st.mu.Unlock()
		if now.Sub(st.lastSeen) <= idle || st.burst.inCooldown(now) {
			return false
		}
		st.evicted = true
		return true
	})
	if removed > 0 {
		l.log.WithField("removed", removed).Debug("reaped idle clients")
	}
	return removed
}

// aggregate rolls the counters into a snapshot, derives interval rates,
// exports them and notifies snapshot handlers.
func (l *RateLimiter) aggregate(ctx context.Context) {
	policy := l.current.Load().policy
	l.pingStore(ctx, policy)
	l.Aggregate()
}

// Aggregate runs one aggregation pass and returns the snapshot it produced.
func (l *RateLimiter) Aggregate() SystemMetricsSnapshot {
	now := l.clock.Now()
	snapshot := l.counters.snapshot(now)
	snapshot.ActiveClients = l.clients.len()
	snapshot.BackendAvailable = l.backendAvailable()
	snapshot.Custom = l.custom.copy()

	previous := l.latest.Load()
	var deltaTotal, deltaBlocked int64
	if previous != nil {
		deltaTotal = snapshot.TotalRequests - previous.TotalRequests
		deltaBlocked = snapshot.BlockedRequests - previous.BlockedRequests
		if elapsed := now.Sub(previous.Timestamp).Seconds(); elapsed > 0 {
			snapshot.RequestsPerSecond = float64(deltaTotal) / elapsed
		}
	} else {
		deltaTotal = snapshot.TotalRequests
		deltaBlocked = snapshot.BlockedRequests
	}
	if deltaTotal > 0 {
		snapshot.DenialRate = float64(deltaBlocked) / float64(deltaTotal)
	}
	l.lastDenialRate.Store(math.Float64bits(snapshot.DenialRate))
	snapshot.Utilization = l.utilization()

	l.latest.Store(&snapshot)
	l.export(snapshot, previous)

	for _, handler := range l.handlers {
		handler(snapshot)
	}
	return snapshot
}

func (l *RateLimiter) export(snapshot SystemMetricsSnapshot, previous *SystemMetricsSnapshot) {
	var before SystemMetricsSnapshot
	if previous != nil {
		before = *previous
	}

	l.recorder.Add("ratelimit_requests_total", float64(snapshot.AllowedRequests-before.AllowedRequests), map[string]string{"outcome": "allowed"})
	l.recorder.Add("ratelimit_requests_total", float64(snapshot.BlockedRequests-before.BlockedRequests), map[string]string{"outcome": "blocked"})
	l.recorder.Add("ratelimit_requests_total", float64(snapshot.ThrottledRequests-before.ThrottledRequests), map[string]string{"outcome": "throttled"})
	l.recorder.Add("ratelimit_failures_total", float64(snapshot.Failures-before.Failures), nil)
	l.recorder.Add("ratelimit_state_resets_total", float64(snapshot.StateResets-before.StateResets), nil)
	l.recorder.Add("ratelimit_backend_errors_total", float64(snapshot.BackendErrors-before.BackendErrors), nil)

	for reason, n := range snapshot.ByReason {
		l.recorder.Add("ratelimit_reason_total", float64(n-before.ByReason[reason]), map[string]string{"reason": string(reason)})
	}
	for strategy, n := range snapshot.ByStrategy {
		l.recorder.Add("ratelimit_strategy_total", float64(n-before.ByStrategy[strategy]), map[string]string{"strategy": string(strategy)})
	}

	l.recorder.Observe("ratelimit_active_clients", float64(snapshot.ActiveClients), nil)
	l.recorder.Observe("ratelimit_requests_per_second", snapshot.RequestsPerSecond, nil)
	l.recorder.Observe("ratelimit_denial_rate", snapshot.DenialRate, nil)
	l.recorder.Observe("ratelimit_utilization", snapshot.Utilization, nil)
	l.recorder.Observe("ratelimit_backend_available", boolGauge(snapshot.BackendAvailable), nil)
	for name, value := range snapshot.Custom {
		l.recorder.Observe("ratelimit_custom", value, map[string]string{"name": name})
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// String renders a snapshot summary for log lines.
func (s SystemMetricsSnapshot) String() string {
	return "total=" + strconv.FormatInt(s.TotalRequests, 10) +
		" allowed=" + strconv.FormatInt(s.AllowedRequests, 10) +
		" blocked=" + strconv.FormatInt(s.BlockedRequests, 10) +
		" active=" + strconv.Itoa(s.ActiveClients)
}
