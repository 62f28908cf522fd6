package api

import (
	"time"

	"example.com/backstage/services/monitor/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, hub *ws.Hub, resultsTimeout time.Duration, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	// Viewer event stream
	router.GET("/ws", func(c *gin.Context) {
		ws.ServeWs(hub, c.Writer, c.Request)
	})

	api := router.Group("/api")

	// Device-facing ingest; the path carries the device code, not the
	// numeric id, so clients need no lookup before reporting.
	device := api.Group("/device/:code")
	{
		device.POST("/status", handlers.ReportStatus)
	}

	// Device management
	devices := api.Group("/devices")
	{
		devices.GET("", handlers.ListDevices)
		devices.POST("", handlers.RegisterDevice)
		devices.GET("/:id", handlers.GetDevice)
		devices.PUT("/:id", handlers.UpdateDevice)
		devices.DELETE("/:id", handlers.DeleteDevice)
		devices.GET("/:id/history/latest", handlers.GetLatestHistory)
		devices.GET("/:id/stats/today", handlers.GetDeviceTodayStats)
	}

	// Result artifacts proxied from the on-device client
	proxy := NewResultsProxy(handlers, resultsTimeout, logger)
	results := devices.Group("/:id/results")
	{
		results.GET("/latest", proxy.Latest)
		results.GET("/images", proxy.Images)
		results.GET("/recent", proxy.Recent)
		results.GET("/table", proxy.Table)
		results.GET("/image/:filename", proxy.Image)
		results.POST("/cleanup", proxy.Cleanup)
	}

	// Waiting queue
	queue := api.Group("/queue")
	{
		queue.POST("", handlers.JoinQueue)
		queue.GET("/:device_id", handlers.GetQueue)
		queue.PUT("/:queue_id/position", handlers.ReorderQueue)
		queue.DELETE("/:queue_id", handlers.LeaveQueue)
		queue.POST("/:device_id/complete", handlers.CompleteQueueHead)
		queue.POST("/:device_id/timeout/extend", handlers.ExtendQueueTimeout)
	}

	// Inspection history
	api.GET("/history", handlers.ListHistory)

	// Statistics
	api.GET("/stats/realtime", handlers.GetRealtimeStats)
}
