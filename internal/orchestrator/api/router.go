package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kilodev/cloudagent/internal/common/logger"
)

// SetupRoutes registers the orchestrator endpoints on the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, executor Executor, log *logger.Logger) {
	handler := NewHandler(executor, log)

	executions := router.Group("/executions")
	{
		executions.POST("", handler.CreateExecution)
	}
}
