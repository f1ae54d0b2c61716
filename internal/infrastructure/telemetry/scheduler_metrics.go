package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// SchedulerMetrics records admission decisions, per-target outcomes and run
// durations. A nil *SchedulerMetrics is valid and records nothing.
type SchedulerMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	admissionsTotal   *Counter
	throttledTotal    *Counter
	outcomesTotal     *Counter
	runsTotal         *Counter
	admissionDuration *Histogram
	connectorDuration *Histogram
	runDuration       *Histogram
	windowUsage       *Gauge
}

// SchedulerMetricsConfig holds configuration for scheduler metrics.
type SchedulerMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
}

// NewSchedulerMetrics creates the scheduler instruments on cfg.Meter.
func NewSchedulerMetrics(cfg SchedulerMetricsConfig) (*SchedulerMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := &SchedulerMetrics{meter: cfg.Meter, logger: logger}

	var err error
	if sm.admissionsTotal, err = NewCounter(cfg.Meter,
		"tiersync_admissions_total", "Rate limiter admission decisions", "{decisions}"); err != nil {
		return nil, err
	}
	if sm.throttledTotal, err = NewCounter(cfg.Meter,
		"tiersync_throttled_total", "Admissions rejected by a rate window", "{decisions}"); err != nil {
		return nil, err
	}
	if sm.outcomesTotal, err = NewCounter(cfg.Meter,
		"tiersync_target_outcomes_total", "Per-target outcomes of sync runs", "{outcomes}"); err != nil {
		return nil, err
	}
	if sm.runsTotal, err = NewCounter(cfg.Meter,
		"tiersync_runs_total", "Finished sync runs", "{runs}"); err != nil {
		return nil, err
	}
	if sm.admissionDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "tiersync_admission_duration_seconds",
		Description: "Time spent deciding admission against the usage ledger",
		Unit:        "s",
		Boundaries:  AdmissionDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if sm.connectorDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "tiersync_connector_duration_seconds",
		Description: "Duration of connector sync calls",
		Unit:        "s",
		Boundaries:  ConnectorDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if sm.runDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "tiersync_run_duration_seconds",
		Description: "Duration of whole tier runs",
		Unit:        "s",
		Boundaries:  RunDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if sm.windowUsage, err = NewGauge(cfg.Meter,
		"tiersync_window_usage", "Calls counted in the trailing window at admission time", "{calls}"); err != nil {
		return nil, err
	}

	return sm, nil
}

// RecordAdmission records a single admission decision.
func (sm *SchedulerMetrics) RecordAdmission(ctx context.Context, tier, target string, admitted bool, reason string, d time.Duration) {
	if sm == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrTier.String(tier), AttrTarget.String(target)}
	sm.admissionsTotal.Inc(ctx, append(attrs, AttrOutcome.Bool(admitted))...)
	if !admitted {
		sm.throttledTotal.Inc(ctx, append(attrs, AttrReason.String(reason))...)
	}
	sm.admissionDuration.RecordDuration(ctx, d, attrs...)
}

// RecordWindowUsage records the count observed in one rate window.
func (sm *SchedulerMetrics) RecordWindowUsage(ctx context.Context, target, window string, count int64) {
	if sm == nil {
		return
	}
	sm.windowUsage.Record(ctx, count, AttrTarget.String(target), AttrWindow.String(window))
}

// RecordOutcome records a target outcome. d is only recorded for outcomes
// that invoked the connector.
func (sm *SchedulerMetrics) RecordOutcome(ctx context.Context, tier, target, status, reason string, d time.Duration) {
	if sm == nil {
		return
	}
	sm.outcomesTotal.Inc(ctx,
		AttrTier.String(tier),
		AttrTarget.String(target),
		AttrOutcome.String(status),
		AttrReason.String(reason),
	)
	if d > 0 {
		sm.connectorDuration.RecordDuration(ctx, d, AttrTier.String(tier), AttrTarget.String(target), AttrOutcome.String(status))
	}
}

// RecordRun records a finished run.
func (sm *SchedulerMetrics) RecordRun(ctx context.Context, tier, status string, d time.Duration) {
	if sm == nil {
		return
	}
	sm.runsTotal.Inc(ctx, AttrTier.String(tier), AttrStatus.String(status))
	sm.runDuration.RecordDuration(ctx, d, AttrTier.String(tier), AttrStatus.String(status))
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewSchedulerMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
