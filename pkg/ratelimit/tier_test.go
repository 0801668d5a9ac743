package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierResolver_Resolve(t *testing.T) {
	policy := DefaultPolicy()
	policy.ClientTiers = map[string]Tier{
		"static-basic": TierBasic,
		"overridden":   TierBasic,
	}
	resolver := NewTierResolver(policy, map[string]Tier{
		"dynamic-premium": TierPremium,
		"overridden":      TierEnterprise,
		"bogus":           Tier("platinum"),
	})

	tests := []struct {
		name     string
		clientID string
		auth     AuthContext
		expected Tier
	}{
		{"unknown client is free", "stranger", AuthContext{}, TierFree},
		{"static assignment", "static-basic", AuthContext{}, TierBasic},
		{"dynamic assignment", "dynamic-premium", AuthContext{}, TierPremium},
		{"dynamic beats static", "overridden", AuthContext{}, TierEnterprise},
		{"verified claim wins", "stranger", AuthContext{Tier: TierInternal, Verified: true}, TierInternal},
		{"unverified claim ignored", "stranger", AuthContext{Tier: TierInternal}, TierFree},
		{"invalid claim ignored", "dynamic-premium", AuthContext{Tier: "gold", Verified: true}, TierPremium},
		{"invalid assignment skipped", "bogus", AuthContext{}, TierFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, limit := resolver.Resolve(tt.clientID, tt.auth)
			assert.Equal(t, tt.expected, tier)
			assert.Equal(t, policy.Tiers[tt.expected], limit)
		})
	}
}

func TestTierResolver_FallsBackToBaselineLimits(t *testing.T) {
	policy := DefaultPolicy()
	policy.Tiers = nil
	policy.RequestsPerWindow = 7
	policy.BurstLimit = 3

	tier, limit := NewTierResolver(policy, nil).Resolve("anyone", AuthContext{})
	assert.Equal(t, TierFree, tier)
	assert.Equal(t, TierLimit{RequestsPerWindow: 7, BurstLimit: 3}, limit)
}

func TestTierResolver_AssignmentsAreCopied(t *testing.T) {
	source := map[string]Tier{"a": TierBasic}
	resolver := NewTierResolver(DefaultPolicy(), source)
	source["a"] = TierInternal

	tier, _ := resolver.Resolve("a", AuthContext{})
	assert.Equal(t, TierBasic, tier)

	out := resolver.Assignments()
	out["a"] = TierInternal
	tier, _ = resolver.Resolve("a", AuthContext{})
	assert.Equal(t, TierBasic, tier)
}
