package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/logger"
	"github.com/tiersync/backend/internal/infrastructure/ratelimit"
	"github.com/tiersync/backend/internal/infrastructure/scheduler"
	"github.com/tiersync/backend/internal/interfaces/http/dto"
	"github.com/tiersync/backend/internal/interfaces/http/middleware"
)

// SyncTriggers runs tiers on demand and reports trigger statistics
type SyncTriggers interface {
	RunTier(ctx context.Context, tier integration.Tier) (*integration.SyncRunResult, error)
	Stats() []scheduler.TierStats
}

// UsageReporter reports the rate budget of one target
type UsageReporter interface {
	Usage(ctx context.Context, target integration.TargetCode) (ratelimit.TargetUsage, error)
}

// TargetLister lists configured target policies
type TargetLister interface {
	Targets(ctx context.Context) ([]integration.TargetPolicy, error)
}

// SyncHandler exposes manual triggers, run history and rate budgets
type SyncHandler struct {
	BaseHandler
	triggers SyncTriggers
	runLog   integration.RunLogRepository
	usage    UsageReporter
	targets  TargetLister
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(triggers SyncTriggers, runLog integration.RunLogRepository, usage UsageReporter, targets TargetLister) *SyncHandler {
	return &SyncHandler{
		triggers: triggers,
		runLog:   runLog,
		usage:    usage,
		targets:  targets,
	}
}

// TriggerRun runs one tier now and returns the finished run.
// POST /sync/runs/:tier
func (h *SyncHandler) TriggerRun(c *gin.Context) {
	var req dto.TierRequest
	if err := c.ShouldBindUri(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	tier, err := integration.ParseTier(req.Tier)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	logger.GetGinLogger(c).Info("Manual sync triggered",
		zap.String("tier", tier.String()),
		zap.String("operator", middleware.GetOperator(c)),
	)

	// The run outlives the request
	result, err := h.triggers.RunTier(context.WithoutCancel(c.Request.Context()), tier)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewRunResponse(result, true))
}

// ListRuns lists persisted runs, newest first.
// GET /sync/runs
func (h *SyncHandler) ListRuns(c *gin.Context) {
	var req dto.ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	req.Normalize()

	filter := integration.RunLogFilter{
		Status:   integration.RunStatus(req.Status),
		From:     req.From,
		To:       req.To,
		Page:     req.Page,
		PageSize: req.PageSize,
	}
	if req.Tier != "" {
		tier, err := integration.ParseTier(req.Tier)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		filter.Tier = tier
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		h.BadRequest(c, "to must not be before from")
		return
	}

	runs, total, err := h.runLog.List(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, integration.NewSystemError("runlog.list", err))
		return
	}

	out := make([]dto.RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, dto.NewRunResponse(r, false))
	}
	h.SuccessWithMeta(c, out, total, req.Page, req.PageSize)
}

// GetRun returns one run with its per-target outcomes.
// GET /sync/runs/:id
func (h *SyncHandler) GetRun(c *gin.Context) {
	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	run, err := h.runLog.FindByID(c.Request.Context(), uuid.MustParse(req.ID))
	if err != nil {
		if !errors.Is(err, integration.ErrRunNotFound) {
			err = integration.NewSystemError("runlog.find", err)
		}
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewRunResponse(run, true))
}

// Stats returns per-tier trigger statistics with the last persisted run.
// GET /sync/stats
func (h *SyncHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	stats := h.triggers.Stats()

	out := make([]dto.TierStatsResponse, 0, len(stats))
	for _, st := range stats {
		resp := dto.TierStatsResponse{
			Tier:          st.Tier,
			Cadence:       st.Cadence.String(),
			Running:       st.Running,
			Runs:          st.Runs,
			Overlapping:   st.Overlapping,
			ByStatus:      st.ByStatus,
			LastStartedAt: st.LastStartedAt,
			NextRunAt:     st.NextRunAt,
		}

		last, err := h.runLog.LatestByTier(ctx, st.Tier)
		switch {
		case err == nil:
			lr := dto.NewRunResponse(last, false)
			resp.LastRun = &lr
		case errors.Is(err, integration.ErrRunNotFound):
		default:
			h.HandleError(c, integration.NewSystemError("runlog.latest", err))
			return
		}
		out = append(out, resp)
	}
	h.Success(c, out)
}

// Usage returns the trailing minute and hour usage of every target.
// Targets whose budget cannot be computed carry an error instead.
// GET /sync/usage
func (h *SyncHandler) Usage(c *gin.Context) {
	ctx := c.Request.Context()
	policies, err := h.targets.Targets(ctx)
	if err != nil {
		h.HandleError(c, integration.NewSystemError("registry.targets", err))
		return
	}

	out := make([]dto.UsageResponse, 0, len(policies))
	for _, p := range policies {
		resp := dto.UsageResponse{Target: p.Target}
		usage, err := h.usage.Usage(ctx, p.Target)
		switch {
		case err == nil:
			resp.Usage = &usage
		case integration.IsSystemError(err):
			h.HandleError(c, err)
			return
		default:
			resp.Error = err.Error()
		}
		out = append(out, resp)
	}
	h.Success(c, out)
}

// Targets lists configured targets and flags unusable limits.
// GET /sync/targets
func (h *SyncHandler) Targets(c *gin.Context) {
	policies, err := h.targets.Targets(c.Request.Context())
	if err != nil {
		h.HandleError(c, integration.NewSystemError("registry.targets", err))
		return
	}

	out := make([]dto.TargetResponse, 0, len(policies))
	for _, p := range policies {
		resp := dto.TargetResponse{
			Code:           p.Target,
			Enabled:        p.Enabled,
			PerMinuteLimit: p.PerMinuteLimit,
			PerHourLimit:   p.PerHourLimit,
		}
		if err := p.Validate(); err != nil {
			resp.ConfigError = err.Error()
		}
		out = append(out, resp)
	}
	h.Success(c, out)
}
