package router

import (
	"github.com/gin-gonic/gin"

	"stagegraph.app/planner/internal/http/handler"
	"stagegraph.app/planner/internal/http/middleware"
	"stagegraph.app/planner/internal/service"
)

type RouterConfig struct {
	TraceHeaderName string
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.Use(middleware.TraceID(cfg.TraceHeaderName))
	{
		jobHandler := handler.NewJobHandler(services.Jobs())
		JobRouter(v1, jobHandler)
	}
}
