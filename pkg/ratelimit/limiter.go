package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultReaperInterval  = time.Minute
	defaultMetricsInterval = 10 * time.Second
	defaultSyncWorkers     = 4
	syncQueueSize          = 1024
	backendBreakerDuration = 30 * time.Second
	failClosedRetryAfter   = time.Second
)

// runtime is the immutable bundle swapped on every policy or assignment change.
type runtime struct {
	policy  *RateLimitPolicy
	access  *AccessListFilter
	tiers   *TierResolver
	version uint64
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(l *RateLimiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger sets the logger used for failures and background events.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *RateLimiter) {
		if logger != nil {
			l.log = logger
		}
	}
}

// WithStore attaches a distributed counter backend. It is only consulted when
// the policy enables distributed mode.
func WithStore(store DistributedStore) Option {
	return func(l *RateLimiter) {
		l.store = store
	}
}

// WithRecorder sets the metrics backend fed by the aggregator.
func WithRecorder(recorder MetricsRecorder) Option {
	return func(l *RateLimiter) {
		if recorder != nil {
			l.recorder = recorder
		}
	}
}

// WithUtilizationSource replaces the default utilization signal (the denial
// rate measured over the last aggregation interval). The function must be
// cheap and non-blocking; values are clamped to [0, 1].
func WithUtilizationSource(source func() float64) Option {
	return func(l *RateLimiter) {
		l.utilizationSource = source
	}
}

// WithReaperInterval sets how often idle clients are evicted.
func WithReaperInterval(d time.Duration) Option {
	return func(l *RateLimiter) {
		if d > 0 {
			l.reaperInterval = d
		}
	}
}

// WithMetricsInterval sets how often metrics are rolled up.
func WithMetricsInterval(d time.Duration) Option {
	return func(l *RateLimiter) {
		if d > 0 {
			l.metricsInterval = d
		}
	}
}

// WithSyncWorkers sets the number of goroutines pushing counts to the store.
func WithSyncWorkers(n int) Option {
	return func(l *RateLimiter) {
		if n > 0 {
			l.syncWorkers = n
		}
	}
}

// WithSnapshotHandler registers a function called with every aggregated
// snapshot. Handlers run on the aggregator goroutine and must not block.
func WithSnapshotHandler(handler func(SystemMetricsSnapshot)) Option {
	return func(l *RateLimiter) {
		if handler != nil {
			l.handlers = append(l.handlers, handler)
		}
	}
}

// RateLimiter is the admission façade. It owns all per-client state and the
// background tasks maintaining it.
type RateLimiter struct {
	clock             Clock
	log               logrus.FieldLogger
	store             DistributedStore
	recorder          MetricsRecorder
	utilizationSource func() float64
	reaperInterval    time.Duration
	metricsInterval   time.Duration
	syncWorkers       int
	handlers          []func(SystemMetricsSnapshot)

	current  atomic.Pointer[runtime]
	updateMu sync.Mutex

	clients  *shardedMap[*clientState]
	threat   *ThreatClassifier
	counters counters
	custom   *customMetrics

	lastDenialRate atomic.Uint64
	latest         atomic.Pointer[SystemMetricsSnapshot]

	syncQueue    chan syncJob
	breakerUntil atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates policy and builds a limiter. Background tasks only run after Start.
func New(policy *RateLimitPolicy, opts ...Option) (*RateLimiter, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}

	l := &RateLimiter{
		clock:           SystemClock(),
		log:             logrus.StandardLogger(),
		recorder:        NoOpMetricsRecorder{},
		reaperInterval:  defaultReaperInterval,
		metricsInterval: defaultMetricsInterval,
		syncWorkers:     defaultSyncWorkers,
		clients:         newShardedMap[*clientState](),
		threat:          NewThreatClassifier(),
		custom:          newCustomMetrics(),
		syncQueue:       make(chan syncJob, syncQueueSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithField("component", "ratelimit")

	rt, err := buildRuntime(policy, NewTierResolver(policy, nil), 1)
	if err != nil {
		return nil, err
	}
	l.current.Store(rt)
	return l, nil
}

func buildRuntime(policy *RateLimitPolicy, tiers *TierResolver, version uint64) (*runtime, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	policy = policy.Clone()

	access, err := NewAccessListFilter(policy.Whitelist, policy.Blacklist)
	if err != nil {
		return nil, err
	}
	return &runtime{
		policy:  policy,
		access:  access,
		tiers:   tiers.withPolicy(policy),
		version: version,
	}, nil
}

// Policy returns a copy of the active policy.
func (l *RateLimiter) Policy() *RateLimitPolicy {
	return l.current.Load().policy.Clone()
}

// UpdatePolicy validates policy and swaps it in atomically. An invalid policy
// is rejected and the active one stays in force.
func (l *RateLimiter) UpdatePolicy(policy *RateLimitPolicy) error {
	l.updateMu.Lock()
	defer l.updateMu.Unlock()

	old := l.current.Load()
	rt, err := buildRuntime(policy, old.tiers, old.version+1)
	if err != nil {
		l.log.WithError(err).Warn("rejected rate limit policy")
		return err
	}
	l.current.Store(rt)
	l.log.WithFields(logrus.Fields{
		"version":  rt.version,
		"strategy": rt.policy.DefaultStrategy(),
	}).Info("activated rate limit policy")
	return nil
}

// ReplaceTierAssignments swaps the dynamic client → tier table.
func (l *RateLimiter) ReplaceTierAssignments(assignments map[string]Tier) error {
	problems := &ConfigValidationError{}
	for client, tier := range assignments {
		if err := ValidateClientID(client); err != nil {
			problems.add(fmt.Sprintf("tier assignment %q: %v", client, err))
		}
		if !tier.Valid() {
			problems.add(fmt.Sprintf("tier assignment %q: unknown tier %q", client, tier))
		}
	}
	if err := problems.orNil(); err != nil {
		return err
	}

	l.updateMu.Lock()
	defer l.updateMu.Unlock()

	old := l.current.Load()
	l.current.Store(&runtime{
		policy:  old.policy,
		access:  old.access,
		tiers:   NewTierResolver(old.policy, assignments),
		version: old.version + 1,
	})
	l.log.WithField("assignments", len(assignments)).Info("replaced tier assignments")
	return nil
}

// TierAssignments returns a copy of the dynamic assignment table.
func (l *RateLimiter) TierAssignments() map[string]Tier {
	return l.current.Load().tiers.Assignments()
}

// CheckAdmission decides whether the client's request may proceed. It never
// blocks on I/O and never panics: internal failures are turned into a result
// according to the policy's fail mode.
func (l *RateLimiter) CheckAdmission(clientID string, req RequestContext, strategy Strategy) (result AdmissionResult) {
	rt := l.current.Load()

	defer func() {
		if r := recover(); r != nil {
			l.dropClient(clientID)
			result = l.failure(rt, clientID, req, fmt.Errorf("%w: recovered from panic: %v", ErrInternalStateCorruption, r))
		}
	}()

	result, err := l.checkAdmission(rt, clientID, req, strategy)
	if err != nil {
		return l.failure(rt, clientID, req, err)
	}
	l.counters.record(result)
	return result
}

func (l *RateLimiter) checkAdmission(rt *runtime, clientID string, req RequestContext, strategy Strategy) (AdmissionResult, error) {
	if err := ValidateClientID(clientID); err != nil {
		return AdmissionResult{}, err
	}
	policy := rt.policy
	now := l.clock.Now()
	tier, limit := rt.tiers.Resolve(clientID, req.Auth)

	switch l.classifyAccess(rt, clientID, req) {
	case AccessAllow:
		return AdmissionResult{
			Allowed:         true,
			Tier:            tier,
			Remaining:       UnlimitedRemaining,
			Limit:           UnlimitedRemaining,
			ResetAt:         now,
			Reason:          ReasonWhitelisted,
			ThreatLevel:     ThreatLow,
			AppliedStrategy: StrategyAccessList,
		}, nil
	case AccessDeny:
		penalty := policy.BlacklistPenalty()
		return AdmissionResult{
			Allowed:         false,
			Tier:            tier,
			ResetAt:         now.Add(penalty),
			RetryAfter:      penalty,
			Reason:          ReasonBlacklisted,
			ThreatLevel:     ThreatHigh,
			AppliedStrategy: StrategyAccessList,
		}, nil
	}

	st := l.lockClient(clientID)
	defer st.mu.Unlock()

	st.lastSeen = now
	if err := st.shape(policy, rt.version, tier, limit, l.clock); err != nil {
		return AdmissionResult{}, err
	}
	if err := st.verify(); err != nil {
		l.resetCorrupted(st, err)
		if err := st.shape(policy, rt.version, tier, limit, l.clock); err != nil {
			return AdmissionResult{}, err
		}
	}

	result := AdmissionResult{Tier: tier}
	if l.checkBurst(st, policy, now, &result) {
		return l.finish(st, req, result), nil
	}

	l.checkStrategy(st, policy, l.pickStrategy(policy, strategy), limit, now, &result)
	if !result.Allowed {
		l.degrade(st, policy, &result)
	}
	if result.Allowed {
		l.enqueueSync(st.id, policy, now)
	}
	return l.finish(st, req, result), nil
}

// classifyAccess checks the source address first and falls back to the
// client id, so lists may name API keys as well as addresses.
func (l *RateLimiter) classifyAccess(rt *runtime, clientID string, req RequestContext) AccessDecision {
	if decision := rt.access.Classify(req.SourceAddress); decision != AccessNone {
		return decision
	}
	if clientID != req.SourceAddress {
		return rt.access.Classify(clientID)
	}
	return AccessNone
}

// lockClient returns the client's state with its lock held, creating it on
// first sight.
func (l *RateLimiter) lockClient(clientID string) *clientState {
	for {
		st, _ := l.clients.getOrCreate(clientID, func() *clientState { return newClientState(clientID) })
		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

func (l *RateLimiter) pickStrategy(policy *RateLimitPolicy, requested Strategy) Strategy {
	strategy := requested
	if !strategy.Selectable() {
		strategy = policy.DefaultStrategy()
	}
	if strategy == StrategyAdaptive && !policy.Adaptive.Enabled {
		strategy = StrategySlidingWindow
	}
	return strategy
}

func (l *RateLimiter) checkBurst(st *clientState, policy *RateLimitPolicy, now time.Time, result *AdmissionResult) bool {
	window := policy.BurstWindow()
	threshold := burstThreshold(window, policy.BurstRatio)
	st.burst.record(now, window, historyCap(threshold))
	if !st.burst.detect(now, window, policy.BurstCooldown(), threshold) {
		return false
	}

	result.Allowed = false
	result.Reason = ReasonBurstCooldown
	result.AppliedStrategy = StrategyBurstDetector
	result.Limit = st.limit.RequestsPerWindow
	result.ResetAt = st.burst.cooldownUntil
	result.RetryAfter = max(0, st.burst.cooldownUntil.Sub(now))
	return true
}

func (l *RateLimiter) checkStrategy(st *clientState, policy *RateLimitPolicy, strategy Strategy, limit TierLimit, now time.Time, result *AdmissionResult) {
	result.AppliedStrategy = strategy

	if l.globallyExhausted(st, policy, limit, now) {
		window := policy.Window()
		end := time.Unix(0, (windowIndex(now, window)+1)*int64(window))
		result.Allowed = false
		result.Reason = ReasonRateLimitExceeded
		result.Limit = limit.RequestsPerWindow
		result.ResetAt = end
		result.RetryAfter = max(0, end.Sub(now))
		return
	}

	switch strategy {
	case StrategyTokenBucket:
		bucket := st.bucket
		result.Allowed = bucket.Acquire(1)
		tokens := bucket.Tokens()
		result.Limit = bucket.Capacity()
		result.Remaining = int(math.Floor(tokens))
		result.ResetAt = now.Add(time.Duration((float64(bucket.Capacity()) - tokens) / bucket.RefillRate() * float64(time.Second)))
		if !result.Allowed {
			result.RetryAfter = bucket.RetryAfter(1)
		}

	case StrategyFixedWindow:
		result.Allowed = st.fixed.IsAllowed()
		result.Limit = st.fixed.Limit()
		result.Remaining = st.fixed.Remaining()
		result.ResetAt = st.fixed.ResetAt()
		if !result.Allowed {
			result.RetryAfter = st.fixed.RetryAfter()
		}

	case StrategyAdaptive:
		usage := float64(st.adaptiveWindow.Count() + 1)
		rate := st.adaptive.compute(now, usage, float64(limit.RequestsPerWindow), policy.Adaptive)
		st.adaptiveWindow.SetLimit(int(math.Floor(rate)))
		result.Allowed = st.adaptiveWindow.IsAllowed()
		result.AdaptiveRate = &rate
		result.Limit = st.adaptiveWindow.Limit()
		result.Remaining = st.adaptiveWindow.Remaining()
		result.ResetAt = st.adaptiveWindow.ResetAt()
		if !result.Allowed {
			result.RetryAfter = st.adaptiveWindow.RetryAfter()
		}

	default:
		result.Allowed = st.sliding.IsAllowed()
		result.Limit = st.sliding.Limit()
		result.Remaining = st.sliding.Remaining()
		result.ResetAt = st.sliding.ResetAt()
		if !result.Allowed {
			result.RetryAfter = st.sliding.RetryAfter()
		}
	}

	if !result.Allowed {
		result.Reason = ReasonRateLimitExceeded
		if result.RetryAfter <= 0 {
			result.RetryAfter = time.Second
		}
	}
}

// degrade softens a strategy denial into a throttled allow while the system
// is under stress and the policy allows it. It never turns an allow into a deny.
func (l *RateLimiter) degrade(st *clientState, policy *RateLimitPolicy, result *AdmissionResult) {
	if !policy.Degradation.Enabled || result.Reason != ReasonRateLimitExceeded {
		return
	}
	if l.utilization() <= policy.Degradation.TriggerUtilization {
		return
	}
	if !st.degraded.IsAllowed() {
		return
	}

	result.Allowed = true
	result.Throttled = true
	result.Reason = ReasonDegraded
	result.AppliedStrategy = StrategyGracefulDegradation
	result.Remaining = st.degraded.Remaining()
	result.RetryAfter = 0
}

func (l *RateLimiter) finish(st *clientState, req RequestContext, result AdmissionResult) AdmissionResult {
	result.ThreatLevel = l.threat.Classify(req, ThreatSignals{
		InCooldown:  st.burst.inCooldown(st.lastSeen),
		BlockedRate: st.blockedRate(),
		Total:       st.total,
	})
	st.count(result)
	return result
}

// failure maps an internal error to a result according to the fail mode.
func (l *RateLimiter) failure(rt *runtime, clientID string, req RequestContext, err error) AdmissionResult {
	l.counters.failures.Add(1)
	now := l.clock.Now()
	mode := rt.policy.EffectiveFailMode()

	l.log.WithFields(logrus.Fields{
		"client_id": truncate(clientID, 64),
		"fail_mode": mode,
	}).WithError(err).Warn("admission check failed")

	tier, _ := rt.tiers.Resolve(clientID, req.Auth)
	result := AdmissionResult{
		Tier:            tier,
		ResetAt:         now,
		ThreatLevel:     ThreatLow,
		AppliedStrategy: StrategyFailSafe,
	}
	if mode == FailClosed {
		result.Reason = ReasonInternalError
		result.RetryAfter = failClosedRetryAfter
		result.ResetAt = now.Add(failClosedRetryAfter)
	} else {
		result.Allowed = true
		result.FailOpen = true
	}
	l.counters.record(result)
	return result
}

func (l *RateLimiter) resetCorrupted(st *clientState, err error) {
	l.counters.stateResets.Add(1)
	l.log.WithField("client_id", st.id).WithError(err).Error("resetting corrupted client state")
	st.reset()
}

// dropClient removes a client whose state may be half-updated after a panic.
func (l *RateLimiter) dropClient(clientID string) {
	if st, ok := l.clients.delete(clientID); ok {
		l.counters.stateResets.Add(1)
		if st.mu.TryLock() {
			st.evicted = true
			st.mu.Unlock()
		}
	}
}

func (l *RateLimiter) utilization() float64 {
	if l.utilizationSource != nil {
		return clamp(l.utilizationSource(), 0, 1)
	}
	return math.Float64frombits(l.lastDenialRate.Load())
}

// ResetClient clears all state held for the client. A running burst cooldown
// is kept: the client stays registered with empty counters until it elapses.
func (l *RateLimiter) ResetClient(clientID string) {
	now := l.clock.Now()
	cooling := false
	_, removed := l.clients.deleteWhen(clientID, func(st *clientState) bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.evicted {
			return false
		}
		if st.burst.inCooldown(now) {
			st.reset()
			cooling = true
			return false
		}
		st.evicted = true
		return true
	})
	if removed || cooling {
		l.log.WithFields(logrus.Fields{
			"client_id": clientID,
			"cooldown":  cooling,
		}).Info("client state reset")
	}
}

// GetClientStats returns a snapshot of the client's state. Unknown clients
// get the limits they would start with.
func (l *RateLimiter) GetClientStats(clientID string) ClientStatsSnapshot {
	now := l.clock.Now()
	if st, ok := l.clients.get(clientID); ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.evicted {
			return st.stats(now)
		}
	}

	rt := l.current.Load()
	tier, limit := rt.tiers.Resolve(clientID, AuthContext{})
	return ClientStatsSnapshot{
		ClientID:      clientID,
		Tier:          tier,
		Tokens:        float64(limit.BurstLimit),
		TokenCapacity: limit.BurstLimit,
		AdaptiveRate:  clamp(float64(limit.RequestsPerWindow), rt.policy.Adaptive.MinRate, rt.policy.Adaptive.MaxRate),
	}
}

// GetSystemMetrics returns current totals together with the rates measured
// by the last aggregation.
func (l *RateLimiter) GetSystemMetrics() SystemMetricsSnapshot {
	snapshot := l.counters.snapshot(l.clock.Now())
	snapshot.ActiveClients = l.clients.len()
	snapshot.BackendAvailable = l.backendAvailable()
	snapshot.Utilization = l.utilization()
	snapshot.Custom = l.custom.copy()
	if latest := l.latest.Load(); latest != nil {
		snapshot.RequestsPerSecond = latest.RequestsPerSecond
		snapshot.DenialRate = latest.DenialRate
	}
	return snapshot
}

// SetCustomMetric stores an application-defined gauge exported with every snapshot.
func (l *RateLimiter) SetCustomMetric(name string, value float64) error {
	return l.custom.set(name, value)
}

// RemoveCustomMetric deletes a custom gauge.
func (l *RateLimiter) RemoveCustomMetric(name string) {
	l.custom.remove(name)
}

// HealthCheck reports liveness without touching the network.
func (l *RateLimiter) HealthCheck() HealthStatus {
	configured := l.distributedEnabled(l.current.Load().policy)
	available := l.backendAvailable()

	status := "healthy"
	if configured && !available {
		status = "degraded"
	}
	return HealthStatus{
		Status:            status,
		ActiveClientCount: l.clients.len(),
		BackendAvailable:  available,
		BackendConfigured: configured,
		Timestamp:         l.clock.Now(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

func windowKey(prefix, clientID string, index int64) string {
	return prefix + clientID + ":" + strconv.FormatInt(index, 10)
}
