package wrapper

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kilodev/cloudagent/internal/common/errors"
	"github.com/kilodev/cloudagent/internal/common/logger"
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// recovery turns panics into 500 INTERNAL_ERROR responses in the wire error
// shape, like every other failure on this surface.
func recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, v1.ErrorResponse{
					Error: v1.ErrorBody{
						Code:    apperrors.ErrCodeInternalError,
						Message: "an internal server error occurred",
					},
				})
			}
		}()
		c.Next()
	}
}

// NewRouter builds the job-control gin engine: health/status plus the /job
// operations, with the wire-level 404/405/500 fallbacks.
func NewRouter(worker *Worker, log *logger.Logger) *gin.Engine {
	handler := NewHandler(worker, log)

	router := gin.New()
	router.Use(recovery(log))
	router.HandleMethodNotAllowed = true

	router.GET("/health", handler.HealthCheck)

	job := router.Group("/job")
	{
		job.GET("/status", handler.JobStatus)
		job.POST("/start", handler.StartJob)
		job.POST("/prompt", handler.Prompt)
		job.POST("/command", handler.Command)
		job.POST("/answer-permission", handler.AnswerPermission)
		job.POST("/answer-question", handler.AnswerQuestion)
		job.POST("/reject-question", handler.RejectQuestion)
		job.POST("/abort", handler.Abort)
	}

	router.NoRoute(func(c *gin.Context) {
		writeError(c, apperrors.NotFound("unknown path: "+c.Request.URL.Path))
	})
	router.NoMethod(func(c *gin.Context) {
		writeError(c, apperrors.MethodNotAllowed(c.Request.Method))
	})

	return router
}
