package api

import (
	"memfetch/config"

	"github.com/gin-gonic/gin"
)

func SetupRouter(ctrl RunControl, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(ctrl, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:number", h.handleGetTask)
		v1.GET("/progress", h.handleProgress)

		v1.PATCH("/run/cancel", h.handleCancelRun)
		v1.PUT("/run/jobs", h.handleSetJobs)

		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
