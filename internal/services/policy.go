package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"admission-gateway/internal/config"
	"admission-gateway/internal/models"
	"admission-gateway/pkg/ratelimit"

	log "github.com/sirupsen/logrus"
)

// ErrTierStoreDisabled is returned by tier operations when no MongoDB is configured.
var ErrTierStoreDisabled = errors.New("tier assignment store is not configured")

// TierStore persists tier assignments. *repository.TierRepository implements it.
type TierStore interface {
	List(ctx context.Context) ([]*models.TierAssignment, error)
	Get(ctx context.Context, clientID string) (*models.TierAssignment, error)
	Upsert(ctx context.Context, assignment *models.TierAssignment) (*models.TierAssignment, error)
	Delete(ctx context.Context, clientID string) error
}

// PolicyLimiter is the part of the rate limiter the policy service drives.
type PolicyLimiter interface {
	Policy() *ratelimit.RateLimitPolicy
	UpdatePolicy(policy *ratelimit.RateLimitPolicy) error
	ReplaceTierAssignments(assignments map[string]ratelimit.Tier) error
	TierAssignments() map[string]ratelimit.Tier
}

type PolicyService struct {
	limiter    PolicyLimiter
	tiers      TierStore
	policyFile string
	logger     log.FieldLogger

	// serializes read-modify-write of the assignment table
	tierMu sync.Mutex
}

func NewPolicyService(limiter PolicyLimiter, tiers TierStore, policyFile string, logger log.FieldLogger) *PolicyService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &PolicyService{
		limiter:    limiter,
		tiers:      tiers,
		policyFile: policyFile,
		logger:     logger.WithField("component", "policy"),
	}
}

// LoadInitialPolicy reads POLICY_FILE, or starts from the built-in default,
// and applies the process-level overrides.
func LoadInitialPolicy(cfg *config.Config) (*ratelimit.RateLimitPolicy, error) {
	policy := ratelimit.DefaultPolicy()
	if cfg.PolicyFile != "" {
		loaded, err := ratelimit.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy %s: %w", cfg.PolicyFile, err)
		}
		policy = loaded
	}

	if cfg.Strategy != "" {
		policy.Strategy = ratelimit.Strategy(cfg.Strategy)
	}
	if cfg.IdleTimeout > 0 {
		policy.IdleTimeoutSeconds = int(cfg.IdleTimeout.Seconds())
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func (s *PolicyService) Current() *ratelimit.RateLimitPolicy {
	return s.limiter.Policy()
}

// Apply validates and activates policy. Tier assignments are kept.
func (s *PolicyService) Apply(policy *ratelimit.RateLimitPolicy) error {
	if err := s.limiter.UpdatePolicy(policy); err != nil {
		return err
	}
	s.logger.WithField("strategy", policy.DefaultStrategy()).Info("policy applied")
	return nil
}

// ApplyYAML decodes a YAML document on top of the defaults and activates it.
func (s *PolicyService) ApplyYAML(r io.Reader) (*ratelimit.RateLimitPolicy, error) {
	policy, err := ratelimit.LoadPolicy(r)
	if err != nil {
		return nil, err
	}
	if err := s.Apply(policy); err != nil {
		return nil, err
	}
	return policy, nil
}

// ReloadFile re-reads the configured policy file. It is a no-op when the
// service was started without one.
func (s *PolicyService) ReloadFile() error {
	if s.policyFile == "" {
		return nil
	}
	policy, err := ratelimit.LoadPolicyFile(s.policyFile)
	if err != nil {
		s.logger.WithError(err).WithField("file", s.policyFile).Warn("policy reload failed")
		return err
	}
	return s.Apply(policy)
}

func (s *PolicyService) TierStoreEnabled() bool {
	return s.tiers != nil
}

// ReloadTiers replaces the limiter's assignment table with the stored one.
// Documents with an unknown tier or an invalid client id are skipped.
func (s *PolicyService) ReloadTiers(ctx context.Context) (int, error) {
	if s.tiers == nil {
		return 0, ErrTierStoreDisabled
	}

	s.tierMu.Lock()
	defer s.tierMu.Unlock()

	stored, err := s.tiers.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tier assignments: %w", err)
	}

	assignments := make(map[string]ratelimit.Tier, len(stored))
	for _, a := range stored {
		tier := ratelimit.Tier(a.Tier)
		if !tier.Valid() || ratelimit.ValidateClientID(a.ClientID) != nil {
			s.logger.WithFields(log.Fields{"client_id": a.ClientID, "tier": a.Tier}).Warn("skipping invalid tier assignment")
			continue
		}
		assignments[a.ClientID] = tier
	}

	if err := s.limiter.ReplaceTierAssignments(assignments); err != nil {
		return 0, err
	}
	return len(assignments), nil
}

func (s *PolicyService) GetTier(ctx context.Context, clientID string) (*models.TierAssignment, error) {
	if s.tiers == nil {
		return nil, ErrTierStoreDisabled
	}
	return s.tiers.Get(ctx, clientID)
}

// SetTier persists an assignment and activates it immediately.
func (s *PolicyService) SetTier(ctx context.Context, clientID string, req models.UpsertTierAssignmentRequest) (*models.TierAssignment, error) {
	if s.tiers == nil {
		return nil, ErrTierStoreDisabled
	}
	if err := ratelimit.ValidateClientID(clientID); err != nil {
		return nil, err
	}
	tier := ratelimit.Tier(req.Tier)
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", req.Tier)
	}

	s.tierMu.Lock()
	defer s.tierMu.Unlock()

	stored, err := s.tiers.Upsert(ctx, &models.TierAssignment{ClientID: clientID, Tier: req.Tier, Note: req.Note})
	if err != nil {
		return nil, fmt.Errorf("store tier assignment: %w", err)
	}

	assignments := s.limiter.TierAssignments()
	assignments[clientID] = tier
	if err := s.limiter.ReplaceTierAssignments(assignments); err != nil {
		return nil, err
	}
	return stored, nil
}

// DeleteTier removes an assignment; the client falls back to its policy tier.
func (s *PolicyService) DeleteTier(ctx context.Context, clientID string) error {
	if s.tiers == nil {
		return ErrTierStoreDisabled
	}

	s.tierMu.Lock()
	defer s.tierMu.Unlock()

	if err := s.tiers.Delete(ctx, clientID); err != nil {
		return err
	}

	assignments := s.limiter.TierAssignments()
	delete(assignments, clientID)
	return s.limiter.ReplaceTierAssignments(assignments)
}
