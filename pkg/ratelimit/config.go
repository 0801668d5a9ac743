package ratelimit

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TierLimit overrides the baseline allowance for one tier.
type TierLimit struct {
	RequestsPerWindow int `yaml:"requestsPerWindow" json:"requestsPerWindow" validate:"gt=0"`
	BurstLimit        int `yaml:"burstLimit" json:"burstLimit" validate:"gt=0"`
}

// AdaptiveConfig tunes the AdaptiveController. Rates are expressed in
// requests per policy window.
type AdaptiveConfig struct {
	Enabled               bool    `yaml:"enabled" json:"enabled"`
	LearningWindowSeconds int     `yaml:"learningWindowSeconds" json:"learningWindowSeconds" validate:"gt=0"`
	AnomalyThreshold      float64 `yaml:"anomalyThreshold" json:"anomalyThreshold" validate:"gt=0"`
	MinRate               float64 `yaml:"minRate" json:"minRate" validate:"gte=0"`
	MaxRate               float64 `yaml:"maxRate" json:"maxRate" validate:"gt=0"`
	HistorySize           int     `yaml:"historySize" json:"historySize" validate:"gte=10,lte=10000"`
	ReductionFactor       float64 `yaml:"reductionFactor" json:"reductionFactor" validate:"gt=0,lte=1"`
	IncreaseStep          float64 `yaml:"increaseStep" json:"increaseStep" validate:"gte=0"`
}

// DegradationConfig controls softening of denials under system stress.
type DegradationConfig struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	TriggerUtilization float64 `yaml:"triggerUtilization" json:"triggerUtilization" validate:"gt=0,lte=1"`
	Factor             float64 `yaml:"factor" json:"factor" validate:"gt=0,lte=1"`
}

// DistributedConfig controls the optional shared counter backend.
type DistributedConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Enforce       bool   `yaml:"enforce" json:"enforce"`
	KeyPrefix     string `yaml:"keyPrefix" json:"keyPrefix"`
	TimeoutMillis int    `yaml:"timeoutMillis" json:"timeoutMillis" validate:"gt=0,lte=1000"`
}

// RateLimitPolicy is the validated, immutable configuration of the limiter.
// A policy is swapped as a whole; it is never mutated while in use.
type RateLimitPolicy struct {
	Strategy                Strategy           `yaml:"strategy" json:"strategy"`
	FailMode                FailMode           `yaml:"failMode" json:"failMode"`
	RequestsPerWindow       int                `yaml:"requestsPerWindow" json:"requestsPerWindow" validate:"gt=0"`
	WindowSeconds           int                `yaml:"windowSeconds" json:"windowSeconds" validate:"gt=0"`
	BurstLimit              int                `yaml:"burstLimit" json:"burstLimit" validate:"gt=0"`
	BurstWindowSeconds      int                `yaml:"burstWindowSeconds" json:"burstWindowSeconds" validate:"gt=0"`
	BurstCooldownSeconds    int                `yaml:"burstCooldownSeconds" json:"burstCooldownSeconds" validate:"gte=0"`
	BurstRatio              float64            `yaml:"burstRatio" json:"burstRatio" validate:"gt=0"`
	BlacklistPenaltySeconds int                `yaml:"blacklistPenaltySeconds" json:"blacklistPenaltySeconds" validate:"gt=0"`
	IdleTimeoutSeconds      int                `yaml:"idleTimeoutSeconds" json:"idleTimeoutSeconds" validate:"gt=0"`
	Adaptive                AdaptiveConfig     `yaml:"adaptive" json:"adaptive"`
	Tiers                   map[Tier]TierLimit `yaml:"tiers" json:"tiers" validate:"dive"`
	ClientTiers             map[string]Tier    `yaml:"clientTiers" json:"clientTiers"`
	Degradation             DegradationConfig  `yaml:"degradation" json:"degradation"`
	Whitelist               []string           `yaml:"whitelist" json:"whitelist"`
	Blacklist               []string           `yaml:"blacklist" json:"blacklist"`
	Distributed             DistributedConfig  `yaml:"distributed" json:"distributed"`
}

// DefaultPolicy returns a policy suitable for a small public API.
func DefaultPolicy() *RateLimitPolicy {
	return &RateLimitPolicy{
		Strategy:                StrategySlidingWindow,
		FailMode:                FailOpen,
		RequestsPerWindow:       60,
		WindowSeconds:           60,
		BurstLimit:              15,
		BurstWindowSeconds:      10,
		BurstCooldownSeconds:    30,
		BurstRatio:              2.0,
		BlacklistPenaltySeconds: 3600,
		IdleTimeoutSeconds:      900,
		Adaptive: AdaptiveConfig{
			Enabled:               true,
			LearningWindowSeconds: 300,
			AnomalyThreshold:      3.0,
			MinRate:               10,
			MaxRate:               600,
			HistorySize:           100,
			ReductionFactor:       0.1,
			IncreaseStep:          1,
		},
		Tiers: map[Tier]TierLimit{
			TierFree:       {RequestsPerWindow: 60, BurstLimit: 15},
			TierBasic:      {RequestsPerWindow: 120, BurstLimit: 30},
			TierPremium:    {RequestsPerWindow: 600, BurstLimit: 100},
			TierEnterprise: {RequestsPerWindow: 3000, BurstLimit: 500},
			TierInternal:   {RequestsPerWindow: 10000, BurstLimit: 2000},
		},
		ClientTiers: map[string]Tier{},
		Degradation: DegradationConfig{
			Enabled:            false,
			TriggerUtilization: 0.8,
			Factor:             0.5,
		},
		Distributed: DistributedConfig{
			Enabled:       false,
			KeyPrefix:     "ratelimit:",
			TimeoutMillis: 50,
		},
	}
}

// Window is the baseline enforcement window.
func (p *RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// BurstWindow is the burst detection horizon.
func (p *RateLimitPolicy) BurstWindow() time.Duration {
	return time.Duration(p.BurstWindowSeconds) * time.Second
}

// BurstCooldown is how long a client stays blocked after a burst.
func (p *RateLimitPolicy) BurstCooldown() time.Duration {
	return time.Duration(p.BurstCooldownSeconds) * time.Second
}

// BlacklistPenalty is the retry hint given to blacklisted callers.
func (p *RateLimitPolicy) BlacklistPenalty() time.Duration {
	return time.Duration(p.BlacklistPenaltySeconds) * time.Second
}

// IdleTimeout is how long a client may stay silent before its state is reaped.
func (p *RateLimitPolicy) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

// DistributedTimeout bounds every call into the distributed store.
func (p *RateLimitPolicy) DistributedTimeout() time.Duration {
	return time.Duration(p.Distributed.TimeoutMillis) * time.Millisecond
}

// DefaultStrategy returns the configured strategy, falling back to sliding window.
func (p *RateLimitPolicy) DefaultStrategy() Strategy {
	if p.Strategy == StrategyDefault {
		return StrategySlidingWindow
	}
	return p.Strategy
}

// EffectiveFailMode returns the configured fail mode, defaulting to open.
func (p *RateLimitPolicy) EffectiveFailMode() FailMode {
	if p.FailMode == "" {
		return FailOpen
	}
	return p.FailMode
}

// LimitsFor returns the tier override, or the baseline when the tier has none.
func (p *RateLimitPolicy) LimitsFor(tier Tier) TierLimit {
	if limit, exists := p.Tiers[tier]; exists {
		return limit
	}
	return TierLimit{RequestsPerWindow: p.RequestsPerWindow, BurstLimit: p.BurstLimit}
}

// Clone returns a deep copy so the caller's value can't leak into an active policy.
func (p *RateLimitPolicy) Clone() *RateLimitPolicy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tiers = make(map[Tier]TierLimit, len(p.Tiers))
	for tier, limit := range p.Tiers {
		cp.Tiers[tier] = limit
	}
	cp.ClientTiers = make(map[string]Tier, len(p.ClientTiers))
	for client, tier := range p.ClientTiers {
		cp.ClientTiers[client] = tier
	}
	cp.Whitelist = append([]string(nil), p.Whitelist...)
	cp.Blacklist = append([]string(nil), p.Blacklist...)
	return &cp
}

var policyValidator = newPolicyValidator()

func newPolicyValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field and cross-field invariant. Values are never
// clamped: anything out of range is reported.
func (p *RateLimitPolicy) Validate() error {
	if p == nil {
		return &ConfigValidationError{Problems: []string{"policy is nil"}}
	}
	problems := &ConfigValidationError{}

	if err := policyValidator.Struct(p); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok {
			for _, fieldError := range fieldErrors {
				problems.add(describeFieldError(fieldError))
			}
		} else {
			problems.add(err.Error())
		}
	}

	if p.Strategy != StrategyDefault && !p.Strategy.Selectable() {
		problems.add(fmt.Sprintf("strategy %q is not one of token_bucket, sliding_window, fixed_window, adaptive", p.Strategy))
	}
	if p.FailMode != "" && p.FailMode != FailOpen && p.FailMode != FailClosed {
		problems.add(fmt.Sprintf("failMode %q must be open or closed", p.FailMode))
	}
	if p.Adaptive.MinRate > p.Adaptive.MaxRate {
		problems.add(fmt.Sprintf("adaptive.minRate (%g) must not exceed adaptive.maxRate (%g)", p.Adaptive.MinRate, p.Adaptive.MaxRate))
	}
	for tier := range p.Tiers {
		if !tier.Valid() {
			problems.add(fmt.Sprintf("tiers: unknown tier %q", tier))
		}
	}
	for client, tier := range p.ClientTiers {
		if strings.TrimSpace(client) == "" {
			problems.add("clientTiers: empty client id")
		}
		if !tier.Valid() {
			problems.add(fmt.Sprintf("clientTiers[%s]: unknown tier %q", client, tier))
		}
	}
	for _, entry := range p.Whitelist {
		if _, err := parseAccessPattern(entry); err != nil {
			problems.add(fmt.Sprintf("whitelist: %v", err))
		}
	}
	for _, entry := range p.Blacklist {
		if _, err := parseAccessPattern(entry); err != nil {
			problems.add(fmt.Sprintf("blacklist: %v", err))
		}
	}

	return problems.orNil()
}

// describeFieldError renders a validator error with the policy's key names.
func describeFieldError(fieldError validator.FieldError) string {
	field := fieldError.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}

	switch fieldError.Tag() {
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got %v)", field, fieldError.Param(), fieldError.Value())
	case "gte":
		return fmt.Sprintf("%s must be at least %s (got %v)", field, fieldError.Param(), fieldError.Value())
	case "lte":
		return fmt.Sprintf("%s must be at most %s (got %v)", field, fieldError.Param(), fieldError.Value())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fieldError.Tag())
	}
}

// LoadPolicy decodes a YAML policy on top of DefaultPolicy and validates it.
// Unknown keys are rejected.
func LoadPolicy(r io.Reader) (*RateLimitPolicy, error) {
	policy := DefaultPolicy()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(policy); err != nil && err != io.EOF {
		return nil, &ConfigValidationError{Problems: []string{fmt.Sprintf("decode policy: %v", err)}}
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// LoadPolicyFile reads and validates a YAML policy file.
func LoadPolicyFile(path string) (*RateLimitPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return LoadPolicy(bytes.NewReader(data))
}

// matchesPattern checks if a key matches a pattern with a trailing wildcard.
func matchesPattern(key, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return key == pattern
}
