package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
)

// PolicyLookup resolves the admission policy of a target
type PolicyLookup interface {
	Policy(target integration.TargetCode) (integration.TargetPolicy, error)
}

// Decision is the outcome of one admission attempt
type Decision struct {
	Target    integration.TargetCode    `json:"target"`
	Tier      integration.Tier          `json:"tier"`
	Admitted  bool                      `json:"admitted"`
	Reason    integration.ReasonCode    `json:"reason,omitempty"`
	Usage     []integration.WindowUsage `json:"usage"`
	DecidedAt time.Time                 `json:"decided_at"`
}

// Err returns nil for an admitted decision and ErrRateLimitExceeded otherwise
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return fmt.Errorf("%w: target %s tier %s (%s)", integration.ErrRateLimitExceeded, d.Target, d.Tier, d.Reason)
}

// Option configures a RateLimiter
type Option func(*RateLimiter)

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(r *RateLimiter) {
		r.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *RateLimiter) {
		r.logger = logger
	}
}

// RateLimiter answers "may tier T call target X now?" and records the call
// in the UsageLedger when the answer is yes.
//
// Admission requires both
//
//	count(target, last 60s)   < floor(fraction(tier) * perMinuteLimit)
//	count(target, last 3600s) < perHourLimit
//
// and the check and the record happen as one atomic step.
type RateLimiter struct {
	ledger   integration.UsageLedger
	policies PolicyLookup
	tiers    *integration.PriorityTierManager
	clock    func() time.Time
	logger   *zap.Logger

	// serializes check-and-record for ledgers without native atomic admission
	admitMu sync.Mutex

	counters *WindowCounters
}

// NewRateLimiter creates a limiter over ledger
func NewRateLimiter(ledger integration.UsageLedger, policies PolicyLookup, tiers *integration.PriorityTierManager, opts ...Option) *RateLimiter {
	r := &RateLimiter{
		ledger:   ledger,
		policies: policies,
		tiers:    tiers,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
		counters: NewWindowCounters(time.Minute),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryAdmit decides admission for one call of tier against target.
// A policy lookup failure wraps integration.ErrConfiguration; a ledger
// failure is returned as an *integration.SystemError.
func (r *RateLimiter) TryAdmit(ctx context.Context, target integration.TargetCode, tier integration.Tier) (Decision, error) {
	policy, err := r.policies.Policy(target)
	if err != nil {
		if !errors.Is(err, integration.ErrConfiguration) {
			err = fmt.Errorf("%w: %w", integration.ErrConfiguration, err)
		}
		return Decision{}, err
	}
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}

	now := r.clock()
	limits := policy.WindowLimits(r.tiers, tier)
	rec := integration.NewUsageRecord(target, tier, now)

	admitted, usage, err := r.admit(ctx, rec, limits)
	if err != nil {
		return Decision{}, integration.NewSystemError("ledger.admit", err)
	}

	d := Decision{
		Target:    target,
		Tier:      tier,
		Admitted:  admitted,
		Usage:     usage,
		DecidedAt: now,
	}
	if admitted {
		r.counters.Increment(target.String(), now)
	} else {
		d.Reason = rejectReason(usage)
		r.logger.Debug("Admission denied",
			zap.String("target", target.String()),
			zap.String("tier", tier.String()),
			zap.String("reason", string(d.Reason)),
		)
	}
	return d, nil
}

func (r *RateLimiter) admit(ctx context.Context, rec integration.UsageRecord, limits []integration.WindowLimit) (bool, []integration.WindowUsage, error) {
	if al, ok := r.ledger.(integration.AdmissionLedger); ok {
		return al.AdmitAndRecord(ctx, rec, limits)
	}

	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	counts := make([]int, len(limits))
	for i, lim := range limits {
		n, err := r.ledger.CountSince(ctx, rec.Target, rec.Timestamp.Add(-lim.Span))
		if err != nil {
			return false, nil, err
		}
		counts[i] = n
	}

	admitted, usage := integration.EvaluateWindows(limits, counts)
	if !admitted {
		return false, usage, nil
	}
	if err := r.ledger.Record(ctx, rec); err != nil {
		return false, nil, err
	}
	return true, usage, nil
}

func rejectReason(usage []integration.WindowUsage) integration.ReasonCode {
	for _, u := range usage {
		if !u.Exhausted() {
			continue
		}
		if u.Window == integration.RateWindowHour {
			return integration.ReasonRateLimitHour
		}
		return integration.ReasonRateLimitMinute
	}
	return integration.ReasonRateLimitMinute
}

// ---------------------------------------------------------------------------
// Usage reporting
// ---------------------------------------------------------------------------

// TargetUsage is a point-in-time view of a target's budget
type TargetUsage struct {
	Target         integration.TargetCode   `json:"target"`
	MinuteCount    int                      `json:"minute_count"`
	HourCount      int                      `json:"hour_count"`
	PerMinuteLimit int                      `json:"per_minute_limit"`
	PerHourLimit   int                      `json:"per_hour_limit"`
	MinuteCaps     map[integration.Tier]int `json:"minute_caps"`
	CurrentWindow  RateWindowCounter        `json:"current_window"`
}

// Usage reports the trailing minute and hour usage of target
func (r *RateLimiter) Usage(ctx context.Context, target integration.TargetCode) (TargetUsage, error) {
	policy, err := r.policies.Policy(target)
	if err != nil {
		return TargetUsage{}, err
	}

	now := r.clock()
	minute, err := r.ledger.CountSince(ctx, target, now.Add(-time.Minute))
	if err != nil {
		return TargetUsage{}, integration.NewSystemError("ledger.count", err)
	}
	hour, err := r.ledger.CountSince(ctx, target, now.Add(-time.Hour))
	if err != nil {
		return TargetUsage{}, integration.NewSystemError("ledger.count", err)
	}

	caps := make(map[integration.Tier]int, 3)
	for _, t := range integration.AllTiers() {
		caps[t] = r.tiers.MinuteCap(t, policy.PerMinuteLimit)
	}

	return TargetUsage{
		Target:         target,
		MinuteCount:    minute,
		HourCount:      hour,
		PerMinuteLimit: policy.PerMinuteLimit,
		PerHourLimit:   policy.PerHourLimit,
		MinuteCaps:     caps,
		CurrentWindow:  r.counters.Snapshot(target.String(), now),
	}, nil
}

// Prune removes ledger entries older than retention when the ledger supports it
func (r *RateLimiter) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	pruner, ok := r.ledger.(integration.UsagePruner)
	if !ok {
		return 0, nil
	}
	now := r.clock()
	r.counters.Sweep(now)
	return pruner.PruneBefore(ctx, now.Add(-retention))
}
