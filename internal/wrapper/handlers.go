package wrapper

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kilodev/cloudagent/internal/common/errors"
	"github.com/kilodev/cloudagent/internal/common/logger"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// Handler contains the HTTP handlers for the job-control surface.
type Handler struct {
	worker *Worker
	logger *logger.Logger
}

// NewHandler creates the job-control handler.
func NewHandler(worker *Worker, log *logger.Logger) *Handler {
	return &Handler{
		worker: worker,
		logger: log.WithFields(zap.String("component", "job-api")),
	}
}

// writeError maps a typed error onto the wire error shape.
func writeError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{
		Error: v1.ErrorBody{
			Code:    apperrors.Code(err),
			Message: err.Error(),
		},
	})
}

// missingFields returns a 400 INVALID_REQUEST naming the absent fields.
func missingFields(c *gin.Context, fields ...string) {
	writeError(c, apperrors.InvalidRequest("missing required fields: "+strings.Join(fields, ", ")))
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(200, h.worker.Health())
}

// JobStatus handles GET /job/status.
func (h *Handler) JobStatus(c *gin.Context) {
	c.JSON(200, h.worker.Status())
}

// StartJob handles POST /job/start.
func (h *Handler) StartJob(c *gin.Context) {
	var req v1.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}

	var missing []string
	if req.ExecutionID == "" {
		missing = append(missing, "executionId")
	}
	if req.IngestURL == "" {
		missing = append(missing, "ingestUrl")
	}
	if req.IngestToken == "" {
		missing = append(missing, "ingestToken")
	}
	if req.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if req.UserID == "" {
		missing = append(missing, "userId")
	}
	if req.KilocodeToken == "" {
		missing = append(missing, "kilocodeToken")
	}
	if len(missing) > 0 {
		missingFields(c, missing...)
		return
	}

	resp, err := h.worker.StartJob(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("job start failed",
			zap.String("execution_id", req.ExecutionID),
			zap.Error(err),
		)
		writeError(c, err)
		return
	}
	c.JSON(200, resp)
}

// Prompt handles POST /job/prompt.
func (h *Handler) Prompt(c *gin.Context) {
	var req v1.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if req.Prompt == "" && len(req.Parts) == 0 {
		missingFields(c, "prompt or parts")
		return
	}

	resp, err := h.worker.Prompt(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("prompt failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(200, resp)
}

// Command handles POST /job/command.
func (h *Handler) Command(c *gin.Context) {
	var req v1.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if req.Command == "" {
		missingFields(c, "command")
		return
	}

	resp, err := h.worker.Command(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("command failed", zap.String("command", req.Command), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(200, resp)
}

// AnswerPermission handles POST /job/answer-permission.
func (h *Handler) AnswerPermission(c *gin.Context) {
	var req v1.AnswerPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}

	var missing []string
	if req.PermissionID == "" {
		missing = append(missing, "permissionId")
	}
	if req.Response == "" {
		missing = append(missing, "response")
	}
	if len(missing) > 0 {
		missingFields(c, missing...)
		return
	}
	switch req.Response {
	case "always", "once", "reject":
	default:
		writeError(c, apperrors.InvalidRequest(`response must be one of "always", "once", "reject"`))
		return
	}

	resp, err := h.worker.AnswerPermission(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("permission answer failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(200, resp)
}

// AnswerQuestion handles POST /job/answer-question.
func (h *Handler) AnswerQuestion(c *gin.Context) {
	var req v1.AnswerQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}

	var missing []string
	if req.QuestionID == "" {
		missing = append(missing, "questionId")
	}
	if len(req.Answers) == 0 {
		missing = append(missing, "answers")
	}
	if len(missing) > 0 {
		missingFields(c, missing...)
		return
	}

	resp, err := h.worker.AnswerQuestion(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("question answer failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(200, resp)
}

// RejectQuestion handles POST /job/reject-question.
func (h *Handler) RejectQuestion(c *gin.Context) {
	var req v1.RejectQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if req.QuestionID == "" {
		missingFields(c, "questionId")
		return
	}

	resp, err := h.worker.RejectQuestion(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("question reject failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(200, resp)
}

// Abort handles POST /job/abort. No body.
func (h *Handler) Abort(c *gin.Context) {
	resp, err := h.worker.Abort(c.Request.Context())
	if err != nil {
		h.logger.Error("abort failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(200, resp)
}
