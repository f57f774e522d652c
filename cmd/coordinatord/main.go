// Command coordinatord is the Wonder Workflow Coordinator's HTTP+WebSocket
// service: it exposes startRun/cancelRun/getRun and the event-stream
// subscription handshake over the run control surface spec §6 describes.
// bootstrap.Setup wires every ambient component, a small container wires
// domain services once, Echo routes, and common/server handles graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wonderhq/coordinator/common/bootstrap"
	"github.com/wonderhq/coordinator/common/server"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "coordinatord")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap coordinatord: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	c, err := newContainer(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	e.GET("/health", c.healthCheck)

	registerRunRoutes(e, c)

	srv := server.New("coordinatord", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func durationMs(ms int) time.Duration {
	if ms <= 0 {
		return time.Second
	}
	return time.Duration(ms) * time.Millisecond
}
