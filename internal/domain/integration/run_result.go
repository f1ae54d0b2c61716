package integration

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Outcome types
// ---------------------------------------------------------------------------

// OutcomeStatus is the per-target result of a tier run
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "SUCCESS"
	OutcomeSkipped   OutcomeStatus = "SKIPPED"
	OutcomeThrottled OutcomeStatus = "THROTTLED"
	OutcomeFailed    OutcomeStatus = "FAILED"
)

// IsValid returns true if the status is valid
func (s OutcomeStatus) IsValid() bool {
	switch s {
	case OutcomeSuccess, OutcomeSkipped, OutcomeThrottled, OutcomeFailed:
		return true
	default:
		return false
	}
}

// ReasonCode explains a non-successful outcome
type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonDisabled            ReasonCode = "DISABLED"
	ReasonConfigurationError  ReasonCode = "CONFIGURATION_ERROR"
	ReasonRateLimitMinute     ReasonCode = "RATE_LIMIT_MINUTE"
	ReasonRateLimitHour       ReasonCode = "RATE_LIMIT_HOUR"
	ReasonConnectorError      ReasonCode = "CONNECTOR_ERROR"
	ReasonConnectorTimeout    ReasonCode = "CONNECTOR_TIMEOUT"
	ReasonUpstreamRateLimited ReasonCode = "UPSTREAM_RATE_LIMITED"
	ReasonCancelled           ReasonCode = "CANCELLED"
)

// TargetOutcome is the recorded result for one target within a run
type TargetOutcome struct {
	Target     TargetCode    `json:"target"`
	Status     OutcomeStatus `json:"status"`
	Reason     ReasonCode    `json:"reason,omitempty"`
	Metrics    *Metrics      `json:"metrics,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMs int64         `json:"duration_ms"`
}

// SuccessOutcome builds a SUCCESS outcome
func SuccessOutcome(target TargetCode, m Metrics, startedAt time.Time, d time.Duration) TargetOutcome {
	return TargetOutcome{
		Target:     target,
		Status:     OutcomeSuccess,
		Metrics:    &m,
		StartedAt:  startedAt,
		DurationMs: d.Milliseconds(),
	}
}

// SkippedOutcome builds a SKIPPED outcome
func SkippedOutcome(target TargetCode, reason ReasonCode, at time.Time) TargetOutcome {
	return TargetOutcome{Target: target, Status: OutcomeSkipped, Reason: reason, StartedAt: at}
}

// ThrottledOutcome builds a THROTTLED outcome
func ThrottledOutcome(target TargetCode, reason ReasonCode, at time.Time) TargetOutcome {
	return TargetOutcome{
		Target:    target,
		Status:    OutcomeThrottled,
		Reason:    reason,
		Error:     ErrRateLimitExceeded.Error(),
		StartedAt: at,
	}
}

// FailedOutcome builds a FAILED outcome from a connector error
func FailedOutcome(cerr *ConnectorError, startedAt time.Time, d time.Duration) TargetOutcome {
	return TargetOutcome{
		Target:     cerr.Target,
		Status:     OutcomeFailed,
		Reason:     cerr.Reason,
		Error:      cerr.Err.Error(),
		StartedAt:  startedAt,
		DurationMs: d.Milliseconds(),
	}
}

// ---------------------------------------------------------------------------
// RunStatus
// ---------------------------------------------------------------------------

// RunStatus represents the lifecycle of a SyncRunResult
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusCancelled RunStatus = "CANCELLED"
	RunStatusAborted   RunStatus = "ABORTED"
)

// IsValid returns true if the status is valid
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusCancelled, RunStatusAborted:
		return true
	default:
		return false
	}
}

// IsFinal returns true if no further outcome can be recorded
func (s RunStatus) IsFinal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled || s == RunStatusAborted
}

// ---------------------------------------------------------------------------
// SyncRunResult
// ---------------------------------------------------------------------------

// SyncRunResult is the audit record of one tier run. Outcomes are appended
// while the run is RUNNING; after Complete, Cancel or Abort the result is
// immutable.
type SyncRunResult struct {
	ID          uuid.UUID
	Tier        Tier
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string

	outcomes map[TargetCode]TargetOutcome
	order    []TargetCode
}

// NewSyncRunResult starts a new run record
func NewSyncRunResult(tier Tier, startedAt time.Time) *SyncRunResult {
	return &SyncRunResult{
		ID:        uuid.New(),
		Tier:      tier,
		Status:    RunStatusRunning,
		StartedAt: startedAt,
		outcomes:  make(map[TargetCode]TargetOutcome),
	}
}

// RestoreSyncRunResult rebuilds a persisted run record
func RestoreSyncRunResult(id uuid.UUID, tier Tier, status RunStatus, startedAt time.Time, completedAt *time.Time, errMsg string, outcomes []TargetOutcome) *SyncRunResult {
	r := &SyncRunResult{
		ID:          id,
		Tier:        tier,
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Error:       errMsg,
		outcomes:    make(map[TargetCode]TargetOutcome, len(outcomes)),
	}
	for _, o := range outcomes {
		if _, ok := r.outcomes[o.Target]; !ok {
			r.order = append(r.order, o.Target)
		}
		r.outcomes[o.Target] = o
	}
	return r
}

// Record stores the outcome of one target
func (r *SyncRunResult) Record(o TargetOutcome) error {
	if r.Status.IsFinal() {
		return ErrRunFinalized
	}
	if _, ok := r.outcomes[o.Target]; !ok {
		r.order = append(r.order, o.Target)
	}
	r.outcomes[o.Target] = o
	return nil
}

// Complete marks the run as finished normally
func (r *SyncRunResult) Complete(at time.Time) error {
	return r.finalize(RunStatusCompleted, at, "")
}

// Cancel marks the run as interrupted; recorded outcomes are kept
func (r *SyncRunResult) Cancel(at time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.finalize(RunStatusCancelled, at, msg)
}

// Abort marks the run as stopped by a system error
func (r *SyncRunResult) Abort(at time.Time, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return r.finalize(RunStatusAborted, at, msg)
}

func (r *SyncRunResult) finalize(status RunStatus, at time.Time, msg string) error {
	if r.Status.IsFinal() {
		return ErrRunFinalized
	}
	r.Status = status
	r.CompletedAt = &at
	r.Error = msg
	return nil
}

// Outcome returns the outcome recorded for target
func (r *SyncRunResult) Outcome(target TargetCode) (TargetOutcome, bool) {
	o, ok := r.outcomes[target]
	return o, ok
}

// Outcomes returns the recorded outcomes in the order targets were processed
func (r *SyncRunResult) Outcomes() []TargetOutcome {
	out := make([]TargetOutcome, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.outcomes[t])
	}
	return out
}

// Duration returns the wall time of a finalized run, or zero
func (r *SyncRunResult) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunSummary counts outcomes by status
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Throttled int `json:"throttled"`
	Failed    int `json:"failed"`
}

// Summary counts the recorded outcomes by status
func (r *SyncRunResult) Summary() RunSummary {
	var s RunSummary
	for _, o := range r.outcomes {
		s.Total++
		switch o.Status {
		case OutcomeSuccess:
			s.Succeeded++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeThrottled:
			s.Throttled++
		case OutcomeFailed:
			s.Failed++
		}
	}
	return s
}
