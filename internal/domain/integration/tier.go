package integration

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Tier represents the priority class of a sync run
// ---------------------------------------------------------------------------

// Tier represents the priority class of a sync run
type Tier string

const (
	// TierHigh runs most often and may use most of a target's minute budget
	TierHigh Tier = "HIGH"
	// TierMedium is the default cadence for routine syncs
	TierMedium Tier = "MEDIUM"
	// TierLow runs hourly and yields budget to the other tiers
	TierLow Tier = "LOW"
)

// AllTiers returns every tier in priority order
func AllTiers() []Tier {
	return []Tier{TierHigh, TierMedium, TierLow}
}

// IsValid returns true if the tier is known
func (t Tier) IsValid() bool {
	switch t {
	case TierHigh, TierMedium, TierLow:
		return true
	default:
		return false
	}
}

// String returns the string representation of Tier
func (t Tier) String() string {
	return string(t)
}

// Slug returns the lowercase form used in config keys and URLs
func (t Tier) Slug() string {
	return strings.ToLower(string(t))
}

// ParseTier parses a tier name case-insensitively
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// TierPolicy
// ---------------------------------------------------------------------------

// TierPolicy holds the scheduling constants of one tier.
type TierPolicy struct {
	Tier          Tier
	Cadence       time.Duration
	QuotaFraction decimal.Decimal
	Delay         time.Duration
}

// Validate checks that the policy is usable
func (p TierPolicy) Validate() error {
	if !p.Tier.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, p.Tier)
	}
	if p.Cadence <= 0 {
		return fmt.Errorf("%w: %s cadence must be positive", ErrInvalidTierPolicy, p.Tier)
	}
	if p.Delay < 0 {
		return fmt.Errorf("%w: %s delay must not be negative", ErrInvalidTierPolicy, p.Tier)
	}
	if !p.QuotaFraction.IsPositive() || p.QuotaFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s quota fraction must be in (0, 1]", ErrInvalidTierPolicy, p.Tier)
	}
	return nil
}

// DefaultTierPolicies returns the standard tier table.
func DefaultTierPolicies() map[Tier]TierPolicy {
	return map[Tier]TierPolicy{
		TierHigh: {
			Tier:          TierHigh,
			Cadence:       5 * time.Minute,
			QuotaFraction: decimal.NewFromFloat(0.8),
			Delay:         2 * time.Second,
		},
		TierMedium: {
			Tier:          TierMedium,
			Cadence:       15 * time.Minute,
			QuotaFraction: decimal.NewFromFloat(0.6),
			Delay:         5 * time.Second,
		},
		TierLow: {
			Tier:          TierLow,
			Cadence:       60 * time.Minute,
			QuotaFraction: decimal.NewFromFloat(0.4),
			Delay:         10 * time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// PriorityTierManager
// ---------------------------------------------------------------------------

// PriorityTierManager answers tier questions for the scheduler and limiter.
// It is built once at startup and never mutated.
//
// Lookups for a tier outside HIGH/MEDIUM/LOW panic: tiers come from code
// constants or from ParseTier, so an unknown tier is a programming error.
type PriorityTierManager struct {
	policies map[Tier]TierPolicy
}

// NewPriorityTierManager builds a manager from the given overrides.
// Tiers without an override keep the default policy.
func NewPriorityTierManager(overrides ...TierPolicy) (*PriorityTierManager, error) {
	policies := DefaultTierPolicies()
	for _, p := range overrides {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies[p.Tier] = p
	}
	return &PriorityTierManager{policies: policies}, nil
}

// DefaultPriorityTierManager returns a manager with the standard tier table
func DefaultPriorityTierManager() *PriorityTierManager {
	return &PriorityTierManager{policies: DefaultTierPolicies()}
}

// Policy returns the policy of tier
func (m *PriorityTierManager) Policy(tier Tier) TierPolicy {
	p, ok := m.policies[tier]
	if !ok {
		panic(fmt.Sprintf("integration: unknown tier %q: this is a programming error", tier))
	}
	return p
}

// Policies returns all tier policies in priority order
func (m *PriorityTierManager) Policies() []TierPolicy {
	out := make([]TierPolicy, 0, len(m.policies))
	for _, t := range AllTiers() {
		out = append(out, m.Policy(t))
	}
	return out
}

// FractionFor returns the share of the per-minute limit tier may use
func (m *PriorityTierManager) FractionFor(tier Tier) decimal.Decimal {
	return m.Policy(tier).QuotaFraction
}

// DelayFor returns the pause between consecutive targets in a tier run
func (m *PriorityTierManager) DelayFor(tier Tier) time.Duration {
	return m.Policy(tier).Delay
}

// CadenceFor returns how often tier is triggered
func (m *PriorityTierManager) CadenceFor(tier Tier) time.Duration {
	return m.Policy(tier).Cadence
}

// MinuteCap returns floor(fraction(tier) * perMinuteLimit).
func (m *PriorityTierManager) MinuteCap(tier Tier, perMinuteLimit int) int {
	if perMinuteLimit <= 0 {
		return 0
	}
	return int(decimal.NewFromInt(int64(perMinuteLimit)).
		Mul(m.FractionFor(tier)).
		Floor().
		IntPart())
}
