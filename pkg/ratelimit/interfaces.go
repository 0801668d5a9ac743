package ratelimit

import (
	"context"
	"time"
)

// Admitter is the request-path contract of the limiter. Transport bindings
// depend on this rather than on *RateLimiter.
type Admitter interface {
	CheckAdmission(clientID string, req RequestContext, strategy Strategy) AdmissionResult
}

// DistributedStore is an optional shared counter backend. It is advisory:
// local decisions never depend on it being reachable.
type DistributedStore interface {
	// Incr increments key and returns the new count. The key expires after window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Get returns the current count for key, zero when it does not exist.
	Get(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

// MetricsRecorder accepts counter and gauge updates. Only the background
// aggregator calls it, never the request path.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// Tier is a named class of client with its own limits.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
	TierInternal   Tier = "internal"
)

// Tiers lists the known tiers from least to most privileged.
var Tiers = []Tier{TierFree, TierBasic, TierPremium, TierEnterprise, TierInternal}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

// Strategy selects the admission algorithm.
type Strategy string

const (
	// StrategyDefault defers to the policy's configured strategy.
	StrategyDefault       Strategy = ""
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyFixedWindow   Strategy = "fixed_window"
	StrategyAdaptive      Strategy = "adaptive"

	// The following only appear in results.
	StrategyAccessList          Strategy = "access_list"
	StrategyBurstDetector       Strategy = "burst_detector"
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	StrategyFailSafe            Strategy = "fail_safe"
)

// Selectable reports whether s can be requested by a caller or configured in a policy.
func (s Strategy) Selectable() bool {
	switch s {
	case StrategyTokenBucket, StrategySlidingWindow, StrategyFixedWindow, StrategyAdaptive:
		return true
	}
	return false
}

// Reason is the machine-readable cause attached to a result.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonWhitelisted       Reason = "whitelisted"
	ReasonBlacklisted       Reason = "blacklisted"
	ReasonBurstCooldown     Reason = "burst_cooldown"
	ReasonRateLimitExceeded Reason = "rate_limit_exceeded"
	ReasonDegraded          Reason = "degraded"
	ReasonInternalError     Reason = "internal_error"
)

// ThreatLevel is the observability-only classification of a request.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// FailMode decides what an internal error turns into.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// Priority of a request as declared by the caller.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// AuthContext carries what the transport learned about the caller.
// Tier is only honoured when Verified is true.
type AuthContext struct {
	Subject  string
	Tier     Tier
	Verified bool
}

// RequestContext describes one admission check.
type RequestContext struct {
	RequestID     string
	Timestamp     time.Time
	SourceAddress string
	Endpoint      string
	Method        string
	PayloadSize   int64
	Priority      Priority
	Auth          AuthContext
}

// UnlimitedRemaining is reported for whitelisted callers.
const UnlimitedRemaining = -1

// AdmissionResult is the outcome of CheckAdmission.
type AdmissionResult struct {
	Allowed   bool      `json:"allowed"`
	Throttled bool      `json:"throttled,omitempty"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
	// RetryAfter is zero when no retry hint applies.
	RetryAfter      time.Duration `json:"retryAfter,omitempty"`
	Reason          Reason        `json:"reason,omitempty"`
	Tier            Tier          `json:"tier"`
	ThreatLevel     ThreatLevel   `json:"threatLevel"`
	AppliedStrategy Strategy      `json:"appliedStrategy"`
	// AdaptiveRate is set only when the adaptive strategy ran.
	AdaptiveRate *float64 `json:"adaptiveRate,omitempty"`
	// FailOpen marks results produced by the failure policy rather than by a strategy.
	FailOpen bool `json:"failOpen,omitempty"`
}

// ClientStatsSnapshot is a point-in-time copy of one client's state.
type ClientStatsSnapshot struct {
	ClientID       string     `json:"clientId"`
	Known          bool       `json:"known"`
	Tier           Tier       `json:"tier"`
	Total          int64      `json:"total"`
	Allowed        int64      `json:"allowed"`
	Blocked        int64      `json:"blocked"`
	Throttled      int64      `json:"throttled"`
	Tokens         float64    `json:"tokens"`
	TokenCapacity  int        `json:"tokenCapacity"`
	WindowCount    int        `json:"windowCount"`
	AdaptiveRate   float64    `json:"adaptiveRate"`
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
	LastSeen       time.Time  `json:"lastSeen"`
	GlobalCount    int64      `json:"globalCount"`
	HistorySamples int        `json:"historySamples"`
}

// SystemMetricsSnapshot is the rolled-up view produced by the aggregator.
type SystemMetricsSnapshot struct {
	Timestamp         time.Time             `json:"timestamp"`
	TotalRequests     int64                 `json:"totalRequests"`
	AllowedRequests   int64                 `json:"allowedRequests"`
	BlockedRequests   int64                 `json:"blockedRequests"`
	ThrottledRequests int64                 `json:"throttledRequests"`
	Failures          int64                 `json:"failures"`
	StateResets       int64                 `json:"stateResets"`
	BackendErrors     int64                 `json:"backendErrors"`
	ActiveClients     int                   `json:"activeClients"`
	RequestsPerSecond float64               `json:"requestsPerSecond"`
	DenialRate        float64               `json:"denialRate"`
	Utilization       float64               `json:"utilization"`
	BackendAvailable  bool                  `json:"backendAvailable"`
	ByStrategy        map[Strategy]int64    `json:"byStrategy"`
	ByTier            map[Tier]int64        `json:"byTier"`
	ByThreat          map[ThreatLevel]int64 `json:"byThreat"`
	ByReason          map[Reason]int64      `json:"byReason"`
	Custom            map[string]float64    `json:"custom,omitempty"`
}

// HealthStatus is returned by HealthCheck.
type HealthStatus struct {
	Status            string    `json:"status"`
	ActiveClientCount int       `json:"activeClientCount"`
	BackendAvailable  bool      `json:"backendAvailable"`
	BackendConfigured bool      `json:"backendConfigured"`
	Timestamp         time.Time `json:"timestamp"`
}
