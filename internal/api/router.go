package api

import (
	"github.com/gin-gonic/gin"

	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/events/bus"
)

// SetupRoutes mounts the session API on the router.
func SetupRoutes(router *gin.Engine, service *Service, eventBus bus.EventBus, log *logger.Logger) {
	handler := NewHandler(service, log)

	router.GET("/healthz", handler.Healthz)

	v1 := router.Group("/api/v1")
	v1.GET("/sessions", handler.ListSessions)

	sessions := v1.Group("/sessions/:sessionId")
	{
		sessions.POST("/execute", handler.Execute)
		sessions.POST("/interrupt", handler.Interrupt)
		sessions.POST("/answer", handler.Answer)
		sessions.POST("/permission-mode", handler.SetPermissionMode)
		sessions.POST("/model", handler.SetModel)
		sessions.POST("/rewind", handler.Rewind)
		sessions.GET("/timeline", handler.Timeline)
		sessions.GET("/stream", handler.Stream(eventBus))
		sessions.DELETE("", handler.Destroy)
	}
}
