package dto

import (
	"time"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/ratelimit"
)

// TierRequest is the tier path parameter of manual triggers
type TierRequest struct {
	Tier string `uri:"tier" binding:"required,oneof=high medium low HIGH MEDIUM LOW"`
}

// ListRunsRequest filters the run history
type ListRunsRequest struct {
	ListRequest
	Tier   string     `form:"tier" binding:"omitempty,oneof=high medium low HIGH MEDIUM LOW"`
	Status string     `form:"status" binding:"omitempty,oneof=RUNNING COMPLETED CANCELLED ABORTED"`
	From   *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To     *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

// RunResponse is one sync run with its per-target outcomes
type RunResponse struct {
	ID          string                      `json:"id"`
	Tier        integration.Tier            `json:"tier"`
	Status      integration.RunStatus       `json:"status"`
	StartedAt   time.Time                   `json:"started_at"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
	DurationMs  int64                       `json:"duration_ms"`
	Error       string                      `json:"error,omitempty"`
	Summary     integration.RunSummary      `json:"summary"`
	Outcomes    []integration.TargetOutcome `json:"outcomes,omitempty"`
}

// NewRunResponse converts a run result. Outcomes are omitted when withOutcomes is false.
func NewRunResponse(r *integration.SyncRunResult, withOutcomes bool) RunResponse {
	resp := RunResponse{
		ID:          r.ID.String(),
		Tier:        r.Tier,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMs:  r.Duration().Milliseconds(),
		Error:       r.Error,
		Summary:     r.Summary(),
	}
	if withOutcomes {
		resp.Outcomes = r.Outcomes()
	}
	return resp
}

// TierStatsResponse combines in-process trigger stats with the last persisted run
type TierStatsResponse struct {
	Tier          integration.Tier                `json:"tier"`
	Cadence       string                          `json:"cadence"`
	Running       bool                            `json:"running"`
	Runs          int64                           `json:"runs"`
	Overlapping   int64                           `json:"overlapping"`
	ByStatus      map[integration.RunStatus]int64 `json:"by_status"`
	LastStartedAt *time.Time                      `json:"last_started_at,omitempty"`
	NextRunAt     *time.Time                      `json:"next_run_at,omitempty"`
	LastRun       *RunResponse                    `json:"last_run,omitempty"`
}

// TargetResponse describes a configured target
type TargetResponse struct {
	Code           integration.TargetCode `json:"code"`
	Enabled        bool                   `json:"enabled"`
	PerMinuteLimit int                    `json:"per_minute_limit"`
	PerHourLimit   int                    `json:"per_hour_limit"`
	ConfigError    string                 `json:"config_error,omitempty"`
}

// UsageResponse is one target's budget, or the reason it cannot be computed
type UsageResponse struct {
	Target integration.TargetCode `json:"target"`
	Usage  *ratelimit.TargetUsage `json:"usage,omitempty"`
	Error  string                 `json:"error,omitempty"`
}
