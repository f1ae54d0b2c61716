package integration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Tier Tests
// ---------------------------------------------------------------------------

func TestTier_IsValid(t *testing.T) {
	tests := []struct {
		name     string
		tier     Tier
		expected bool
	}{
		{"High valid", TierHigh, true},
		{"Medium valid", TierMedium, true},
		{"Low valid", TierLow, true},
		{"Lowercase invalid", Tier("high"), false},
		{"Empty invalid", Tier(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.tier.IsValid())
		})
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" medium ")
	require.NoError(t, err)
	assert.Equal(t, TierMedium, tier)
	assert.Equal(t, "medium", tier.Slug())

	_, err = ParseTier("urgent")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

// ---------------------------------------------------------------------------
// PriorityTierManager Tests
// ---------------------------------------------------------------------------

func TestPriorityTierManager_Defaults(t *testing.T) {
	m := DefaultPriorityTierManager()

	tests := []struct {
		tier     Tier
		cadence  time.Duration
		fraction string
		delay    time.Duration
	}{
		{TierHigh, 5 * time.Minute, "0.8", 2 * time.Second},
		{TierMedium, 15 * time.Minute, "0.6", 5 * time.Second},
		{TierLow, 60 * time.Minute, "0.4", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.tier.String(), func(t *testing.T) {
			assert.Equal(t, tt.cadence, m.CadenceFor(tt.tier))
			assert.Equal(t, tt.delay, m.DelayFor(tt.tier))
			assert.True(t, decimal.RequireFromString(tt.fraction).Equal(m.FractionFor(tt.tier)))
		})
	}
}

func TestPriorityTierManager_MinuteCap(t *testing.T) {
	m := DefaultPriorityTierManager()

	tests := []struct {
		name     string
		tier     Tier
		limit    int
		expected int
	}{
		{"High 30", TierHigh, 30, 24},
		{"Medium 30", TierMedium, 30, 18},
		{"Low 30", TierLow, 30, 12},
		{"High floors", TierHigh, 7, 5},
		{"Low floors to zero", TierLow, 2, 0},
		{"Zero limit", TierHigh, 0, 0},
		{"Negative limit", TierHigh, -5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.MinuteCap(tt.tier, tt.limit))
		})
	}
}

func TestPriorityTierManager_UnknownTierPanics(t *testing.T) {
	m := DefaultPriorityTierManager()
	assert.Panics(t, func() { m.DelayFor(Tier("URGENT")) })
	assert.Panics(t, func() { m.MinuteCap(Tier(""), 10) })
}

func TestNewPriorityTierManager_Overrides(t *testing.T) {
	m, err := NewPriorityTierManager(TierPolicy{
		Tier:          TierLow,
		Cadence:       2 * time.Hour,
		QuotaFraction: decimal.RequireFromString("0.25"),
		Delay:         0,
	})
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, m.CadenceFor(TierLow))
	assert.Equal(t, 25, m.MinuteCap(TierLow, 100))
	// untouched tiers keep defaults
	assert.Equal(t, 5*time.Minute, m.CadenceFor(TierHigh))
	assert.Len(t, m.Policies(), 3)
}

func TestTierPolicy_Validate(t *testing.T) {
	valid := DefaultTierPolicies()[TierHigh]

	tests := []struct {
		name   string
		mutate func(p *TierPolicy)
		err    error
	}{
		{"valid", func(p *TierPolicy) {}, nil},
		{"unknown tier", func(p *TierPolicy) { p.Tier = "X" }, ErrUnknownTier},
		{"zero cadence", func(p *TierPolicy) { p.Cadence = 0 }, ErrInvalidTierPolicy},
		{"negative delay", func(p *TierPolicy) { p.Delay = -time.Second }, ErrInvalidTierPolicy},
		{"zero fraction", func(p *TierPolicy) { p.QuotaFraction = decimal.Zero }, ErrInvalidTierPolicy},
		{"fraction above one", func(p *TierPolicy) { p.QuotaFraction = decimal.RequireFromString("1.1") }, ErrInvalidTierPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}
