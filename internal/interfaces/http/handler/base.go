package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/logger"
	"github.com/tiersync/backend/internal/interfaces/http/dto"
	"github.com/tiersync/backend/internal/interfaces/http/middleware"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// SuccessWithMeta sends a success response with pagination meta
func (h *BaseHandler) SuccessWithMeta(c *gin.Context, data any, total int64, page, pageSize int) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, total, page, pageSize))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// NotFound sends a 404 not found response
func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, message)
}

// HandleError maps scheduler and domain errors to HTTP responses.
// Messages of system errors are not echoed to the client.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, integration.ErrRunInProgress):
		h.ErrorWithCode(c, dto.ErrCodeRunInProgress, err.Error())
	case errors.Is(err, integration.ErrRunNotFound), errors.Is(err, integration.ErrTargetNotFound):
		h.NotFound(c, err.Error())
	case errors.Is(err, integration.ErrUnknownTier), errors.Is(err, integration.ErrInvalidTargetCode):
		h.ErrorWithCode(c, dto.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, integration.ErrConfiguration):
		h.ErrorWithCode(c, dto.ErrCodeBadRequest, err.Error())
	case integration.IsSystemError(err):
		logger.GetGinLogger(c).Error("Scheduler collaborator failed", zap.Error(err))
		h.ErrorWithCode(c, dto.ErrCodeSystem, "A scheduler dependency failed; the run was aborted")
	default:
		logger.GetGinLogger(c).Error("Unhandled error", zap.Error(err))
		h.ErrorWithCode(c, dto.ErrCodeInternal, "An unexpected error occurred")
	}
}
