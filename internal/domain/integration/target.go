package integration

import (
	"fmt"
	"strings"
	"time"
)

// TargetCode identifies an external marketplace system
type TargetCode string

// String returns the string representation of TargetCode
func (c TargetCode) String() string {
	return string(c)
}

// IsValid returns true if the code is non-empty, has no whitespace and fits in 64 bytes
func (c TargetCode) IsValid() bool {
	if c == "" || len(c) > 64 {
		return false
	}
	return !strings.ContainsAny(string(c), " \t\r\n")
}

// TargetPolicy is the per-target admission policy. A policy is read once per
// run and is not changed while the run is in progress.
type TargetPolicy struct {
	Target         TargetCode
	Enabled        bool
	PerMinuteLimit int
	PerHourLimit   int
}

// Validate checks that the limits are usable
func (p TargetPolicy) Validate() error {
	if !p.Target.IsValid() {
		return fmt.Errorf("%w: %w: %q", ErrConfiguration, ErrInvalidTargetCode, p.Target)
	}
	if p.PerMinuteLimit <= 0 {
		return fmt.Errorf("%w: target %s per-minute limit must be positive", ErrConfiguration, p.Target)
	}
	if p.PerHourLimit <= 0 {
		return fmt.Errorf("%w: target %s per-hour limit must be positive", ErrConfiguration, p.Target)
	}
	return nil
}

// WindowLimits returns the trailing windows that admission for tier must satisfy.
// Both the minute and the hour window always apply.
func (p TargetPolicy) WindowLimits(tiers *PriorityTierManager, tier Tier) []WindowLimit {
	return []WindowLimit{
		{Window: RateWindowMinute, Span: time.Minute, Cap: tiers.MinuteCap(tier, p.PerMinuteLimit)},
		{Window: RateWindowHour, Span: time.Hour, Cap: p.PerHourLimit},
	}
}
