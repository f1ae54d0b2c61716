package scheduler

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/logger"
	"github.com/tiersync/backend/internal/infrastructure/ratelimit"
	"github.com/tiersync/backend/internal/infrastructure/telemetry"
)

// DefaultConnectorTimeout bounds one connector call when none is configured
const DefaultConnectorTimeout = 30 * time.Second

// Admitter decides whether tier may call target now
type Admitter interface {
	TryAdmit(ctx context.Context, target integration.TargetCode, tier integration.Tier) (ratelimit.Decision, error)
}

// SyncRunConfig holds the collaborators of a SyncRun
type SyncRunConfig struct {
	Registry integration.ConnectorRegistry
	Limiter  Admitter
	Tiers    *integration.PriorityTierManager
	RunLog   integration.RunLogRepository

	// Optional
	Archive          integration.RunArchive
	Metrics          *telemetry.SchedulerMetrics
	Logger           *zap.Logger
	ConnectorTimeout time.Duration
	Clock            func() time.Time
}

// SyncRun executes one tier run: every configured target is visited in
// order, admitted through the rate limiter, synced under a timeout and
// paced by the tier delay. Per-target failures are recorded as outcomes;
// only collaborator failures abort the run.
type SyncRun struct {
	registry         integration.ConnectorRegistry
	limiter          Admitter
	tiers            *integration.PriorityTierManager
	runLog           integration.RunLogRepository
	archive          integration.RunArchive
	metrics          *telemetry.SchedulerMetrics
	logger           *zap.Logger
	connectorTimeout time.Duration
	clock            func() time.Time
}

// NewSyncRun validates cfg and creates a SyncRun
func NewSyncRun(cfg SyncRunConfig) (*SyncRun, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.Join(ErrInvalidConfig, errors.New("registry is required"))
	case cfg.Limiter == nil:
		return nil, errors.Join(ErrInvalidConfig, errors.New("limiter is required"))
	case cfg.Tiers == nil:
		return nil, errors.Join(ErrInvalidConfig, errors.New("tier manager is required"))
	case cfg.RunLog == nil:
		return nil, errors.Join(ErrInvalidConfig, errors.New("run log is required"))
	}

	s := &SyncRun{
		registry:         cfg.Registry,
		limiter:          cfg.Limiter,
		tiers:            cfg.Tiers,
		runLog:           cfg.RunLog,
		archive:          cfg.Archive,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		connectorTimeout: cfg.ConnectorTimeout,
		clock:            cfg.Clock,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.connectorTimeout <= 0 {
		s.connectorTimeout = DefaultConnectorTimeout
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Execute runs tier once and returns the persisted result.
//
// The returned error is non-nil only for an aborted run (a
// *integration.SystemError) or when the finalized result could not be
// persisted. A cancelled ctx yields a CANCELLED result and a nil error.
func (s *SyncRun) Execute(ctx context.Context, tier integration.Tier) (*integration.SyncRunResult, error) {
	policy := s.tiers.Policy(tier)
	result := integration.NewSyncRunResult(tier, s.clock())

	ctx, span := telemetry.StartRunSpan(ctx, result.ID.String(), tier.String())
	defer span.End()
	ctx, log := logger.WithRun(ctx, s.logger, result.ID.String(), tier.String())

	log.Info("Sync run started")

	targets, err := s.registry.Targets(ctx)
	if err != nil {
		return s.abort(ctx, span, result, integration.NewSystemError("registry.targets", err))
	}

	for i, target := range targets {
		if ctx.Err() != nil {
			return s.cancel(ctx, span, result, ctx.Err())
		}

		outcome, err := s.syncTarget(ctx, tier, target)
		if err != nil {
			return s.abort(ctx, span, result, err)
		}
		_ = result.Record(outcome)

		if ctx.Err() != nil {
			return s.cancel(ctx, span, result, ctx.Err())
		}

		// pacing applies after a connector call and only while targets remain
		invoked := outcome.Status == integration.OutcomeSuccess || outcome.Status == integration.OutcomeFailed
		if invoked && i < len(targets)-1 && policy.Delay > 0 {
			if err := sleep(ctx, policy.Delay); err != nil {
				return s.cancel(ctx, span, result, err)
			}
		}
	}

	_ = result.Complete(s.clock())
	telemetry.SetOK(span)
	return s.finish(ctx, result, nil)
}

// syncTarget produces the outcome of one target. A non-nil error is a
// system error and aborts the run.
func (s *SyncRun) syncTarget(ctx context.Context, tier integration.Tier, policy integration.TargetPolicy) (integration.TargetOutcome, error) {
	target := policy.Target
	now := s.clock()
	log := logger.L(ctx).With(zap.String("target", target.String()))

	if !policy.Enabled || !s.registry.IsEnabled(target) {
		log.Debug("Target disabled, skipping")
		return s.observe(ctx, tier, integration.SkippedOutcome(target, integration.ReasonDisabled, now)), nil
	}

	conn, err := s.registry.Connector(target)
	if err != nil {
		if errors.Is(err, integration.ErrConfiguration) {
			return s.observe(ctx, tier, integration.SkippedOutcome(target, integration.ReasonConfigurationError, now)), nil
		}
		return integration.TargetOutcome{}, integration.NewSystemError("registry.connector", err)
	}
	if !conn.IsEnabled(ctx) {
		log.Debug("Connector disabled, skipping")
		return s.observe(ctx, tier, integration.SkippedOutcome(target, integration.ReasonDisabled, now)), nil
	}

	admitStart := time.Now()
	decision, err := s.limiter.TryAdmit(ctx, target, tier)
	admitDur := time.Since(admitStart)
	if err != nil {
		if errors.Is(err, integration.ErrConfiguration) {
			return s.observe(ctx, tier, integration.SkippedOutcome(target, integration.ReasonConfigurationError, now)), nil
		}
		if !integration.IsSystemError(err) {
			err = integration.NewSystemError("limiter.admit", err)
		}
		return integration.TargetOutcome{}, err
	}
	s.metrics.RecordAdmission(ctx, tier.String(), target.String(), decision.Admitted, string(decision.Reason), admitDur)
	for _, u := range decision.Usage {
		s.metrics.RecordWindowUsage(ctx, target.String(), string(u.Window), int64(u.Count))
	}
	if !decision.Admitted {
		log.Info("Target throttled", zap.String("reason", string(decision.Reason)))
		return s.observe(ctx, tier, integration.ThrottledOutcome(target, decision.Reason, now)), nil
	}

	return s.observe(ctx, tier, s.invoke(ctx, tier, target, conn, decision)), nil
}

// invoke calls the connector under the connector timeout
func (s *SyncRun) invoke(ctx context.Context, tier integration.Tier, target integration.TargetCode, conn integration.Connector, decision ratelimit.Decision) integration.TargetOutcome {
	ctx, span := telemetry.StartTargetSpan(ctx, tier.String(), target.String())
	defer span.End()
	for _, u := range decision.Usage {
		switch u.Window {
		case integration.RateWindowMinute:
			telemetry.SetAttributes(span, telemetry.SpanAttrMinuteUsed, u.Count)
		case integration.RateWindowHour:
			telemetry.SetAttributes(span, telemetry.SpanAttrHourUsed, u.Count)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.connectorTimeout)
	defer cancel()

	start := s.clock()
	began := time.Now()
	metrics, err := callWithDeadline(callCtx, conn, tier)
	elapsed := time.Since(began)

	if err != nil {
		cerr := integration.NewConnectorError(target, tier, err)
		if ctx.Err() != nil {
			// the run itself was cancelled mid-call
			cerr = integration.NewCancelledError(target, tier, ctx.Err())
		}
		telemetry.RecordError(span, cerr)
		logger.L(ctx).Warn("Connector call failed",
			zap.String("target", target.String()),
			zap.String("reason", string(cerr.Reason)),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return integration.FailedOutcome(cerr, start, elapsed)
	}

	telemetry.SetAttributes(span,
		telemetry.SpanAttrTotal, metrics.TotalCount,
		telemetry.SpanAttrFailed, metrics.FailedCount,
	)
	telemetry.SetOK(span)
	logger.L(ctx).Info("Target synced",
		zap.String("target", target.String()),
		zap.Int("total", metrics.TotalCount),
		zap.Int("failed", metrics.FailedCount),
		zap.Duration("duration", elapsed),
	)
	return integration.SuccessOutcome(target, metrics, start, elapsed)
}

type syncReply struct {
	metrics integration.Metrics
	err     error
}

// callWithDeadline returns when the connector does or when ctx is done,
// whichever comes first. A connector that ignores ctx is abandoned.
func callWithDeadline(ctx context.Context, conn integration.Connector, tier integration.Tier) (integration.Metrics, error) {
	done := make(chan syncReply, 1)
	go func() {
		m, err := integration.SyncFor(ctx, conn, tier)
		done <- syncReply{metrics: m, err: err}
	}()

	select {
	case r := <-done:
		return r.metrics, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			return r.metrics, r.err
		default:
			return integration.Metrics{}, ctx.Err()
		}
	}
}

// observe records outcome metrics and returns o unchanged
func (s *SyncRun) observe(ctx context.Context, tier integration.Tier, o integration.TargetOutcome) integration.TargetOutcome {
	s.metrics.RecordOutcome(ctx, tier.String(), o.Target.String(), string(o.Status), string(o.Reason),
		time.Duration(o.DurationMs)*time.Millisecond)
	return o
}

func (s *SyncRun) cancel(ctx context.Context, span trace.Span, result *integration.SyncRunResult, cause error) (*integration.SyncRunResult, error) {
	if cause == nil {
		cause = context.Canceled
	}
	_ = result.Cancel(s.clock(), cause)
	telemetry.AddEvent(span, "sync.run.cancelled")
	// persist even though the run context is done
	return s.finish(context.WithoutCancel(ctx), result, nil)
}

func (s *SyncRun) abort(ctx context.Context, span trace.Span, result *integration.SyncRunResult, err error) (*integration.SyncRunResult, error) {
	_ = result.Abort(s.clock(), err)
	telemetry.RecordError(span, err)
	return s.finish(context.WithoutCancel(ctx), result, err)
}

// finish persists and archives the finalized result. runErr is the abort
// cause, if any; a persistence failure is joined to it.
func (s *SyncRun) finish(ctx context.Context, result *integration.SyncRunResult, runErr error) (*integration.SyncRunResult, error) {
	log := logger.L(ctx)
	summary := result.Summary()
	s.metrics.RecordRun(ctx, result.Tier.String(), string(result.Status), result.Duration())

	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("throttled", summary.Throttled),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", result.Duration()),
	}
	switch result.Status {
	case integration.RunStatusAborted:
		log.Error("Sync run aborted", append(fields, zap.Error(runErr))...)
	case integration.RunStatusCancelled:
		log.Warn("Sync run cancelled", fields...)
	default:
		log.Info("Sync run completed", fields...)
	}

	if err := s.runLog.Save(ctx, result); err != nil {
		log.Error("Failed to persist sync run", zap.Error(err))
		return result, errors.Join(runErr, integration.NewSystemError("runlog.save", err))
	}

	if s.archive != nil {
		if err := s.archive.Archive(ctx, result); err != nil {
			log.Warn("Failed to archive sync run", zap.Error(err))
		}
	}
	return result, runErr
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
