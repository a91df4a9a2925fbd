package router

import (
	"github.com/gin-gonic/gin"

	"stagegraph.app/planner/internal/http/handler"
)

// JobRouter sets up job routes
// - /jobs lists and inspects jobs of a session
// - /stages/plan starts planning a stage iteration
func JobRouter(rg *gin.RouterGroup, h *handler.JobHandler) {
	jobs := rg.Group("/jobs")
	{
		jobs.GET("", h.List)
		jobs.GET("/:id", h.Get)
	}

	stages := rg.Group("/stages")
	{
		stages.POST("/plan", h.PlanStage)
	}

	rg.GET("/sessions/:session_id/stages/:stage_slug/iterations/:iteration", h.Summary)
}
