package ratelimit

// TierResolver maps a client to its tier. Lookup order: a verified auth
// claim, the assignment table, the policy's static clientTiers, then free.
// Resolvers are immutable; assignments are replaced by building a new one.
type TierResolver struct {
	policy      *RateLimitPolicy
	assignments map[string]Tier
}

// NewTierResolver builds a resolver over policy and a copy of assignments.
// Assignments naming unknown tiers are skipped.
func NewTierResolver(policy *RateLimitPolicy, assignments map[string]Tier) *TierResolver {
	copied := make(map[string]Tier, len(assignments))
	for client, tier := range assignments {
		if tier.Valid() {
			copied[client] = tier
		}
	}
	return &TierResolver{policy: policy, assignments: copied}
}

// Resolve returns the client's tier and the limits that apply to it.
// Unknown clients and unverified claims never rise above the free tier.
func (r *TierResolver) Resolve(clientID string, auth AuthContext) (Tier, TierLimit) {
	tier := r.tierFor(clientID, auth)
	return tier, r.policy.LimitsFor(tier)
}

func (r *TierResolver) tierFor(clientID string, auth AuthContext) Tier {
	if auth.Verified && auth.Tier.Valid() {
		return auth.Tier
	}
	if tier, exists := r.assignments[clientID]; exists {
		return tier
	}
	if tier, exists := r.policy.ClientTiers[clientID]; exists && tier.Valid() {
		return tier
	}
	return TierFree
}

// Assignments returns a copy of the dynamic assignment table.
func (r *TierResolver) Assignments() map[string]Tier {
	out := make(map[string]Tier, len(r.assignments))
	for client, tier := range r.assignments {
		out[client] = tier
	}
	return out
}

// withPolicy returns a resolver sharing the assignment table under a new policy.
func (r *TierResolver) withPolicy(policy *RateLimitPolicy) *TierResolver {
	return &TierResolver{policy: policy, assignments: r.assignments}
}
