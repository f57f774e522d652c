package main

import (
	"github.com/labstack/echo/v4"

	commonmiddleware "github.com/wonderhq/coordinator/common/middleware"
)

// registerRunRoutes wires the coordinator's run control surface (spec
// §6): startRun/getRun/cancelRun plus the event subscription handshake.
func registerRunRoutes(e *echo.Echo, c *container) {
	workflows := e.Group("/api/v1/workflows")
	if c.rateLimiter != nil {
		workflows.Use(commonmiddleware.GlobalRateLimitMiddleware(c.rateLimiter, 200))
	}
	workflows.POST("/:reference/runs", c.startRun)

	runs := e.Group("/api/v1/runs")
	runs.GET("/:id", c.getRun)
	runs.POST("/:id/cancel", c.cancelRun)
	runs.GET("/:id/events", c.subscribeEvents)
}
