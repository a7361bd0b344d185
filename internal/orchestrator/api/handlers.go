package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kilodev/cloudagent/internal/common/errors"
	"github.com/kilodev/cloudagent/internal/common/logger"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// Executor runs an execution plan; implemented by orchestrator.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, plan *v1.ExecutionPlan) (*v1.ExecutionResult, error)
}

// Handler contains the orchestrator API handlers.
type Handler struct {
	executor Executor
	logger   *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(executor Executor, log *logger.Logger) *Handler {
	return &Handler{
		executor: executor,
		logger:   log.WithFields(zap.String("component", "orchestrator-api")),
	}
}

// writeError maps a typed error onto the wire error shape. Transient codes
// arrive with a 503 status already attached; callers may retry those.
func writeError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{
		Error: v1.ErrorBody{
			Code:    apperrors.Code(err),
			Message: err.Error(),
		},
	})
}

// CreateExecution handles POST /api/v1/executions.
func (h *Handler) CreateExecution(c *gin.Context) {
	var plan v1.ExecutionPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		writeError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}

	if err := validatePlan(&plan); err != nil {
		writeError(c, err)
		return
	}

	result, err := h.executor.Execute(c.Request.Context(), &plan)
	if err != nil {
		h.logger.Error("execution failed",
			zap.String("execution_id", plan.ExecutionID),
			zap.String("code", apperrors.Code(err)),
			zap.Error(err),
		)
		writeError(c, err)
		return
	}

	c.JSON(200, result)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// validatePlan checks the request-level invariants before any external call.
func validatePlan(plan *v1.ExecutionPlan) error {
	switch {
	case plan.ExecutionID == "":
		return apperrors.InvalidRequest("executionId is required")
	case plan.SessionID == "":
		return apperrors.InvalidRequest("sessionId is required")
	case plan.UserID == "":
		return apperrors.InvalidRequest("userId is required")
	case plan.Prompt == "":
		return apperrors.InvalidRequest("prompt is required")
	}

	// Exactly one of resume/init context, matching shouldPrepare.
	ws := plan.Workspace
	if ws.ShouldPrepare {
		if ws.InitContext == nil || ws.ResumeContext != nil {
			return apperrors.InvalidRequest("shouldPrepare requires an init context and no resume context")
		}
	} else {
		if ws.ResumeContext == nil || ws.InitContext != nil {
			return apperrors.InvalidRequest("resume requires a resume context and no init context")
		}
	}
	return nil
}
