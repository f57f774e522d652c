package main

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The coordinator is consumed by trusted first-party clients
	// (wonderctl, the dashboards it backs); any origin may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeEvents upgrades GET /api/v1/runs/:id/events to a websocket and
// streams that run's events as they're published (spec §6 subscribe):
// upgrade, build a Subscriber from the Hub, hand the connection to an
// events.Client pump. Query params: stream=events|trace,
// eventType=<repeatable>.
func (c *container) subscribeEvents(ec echo.Context) error {
	runID := ec.Param("id")

	filter := events.Filter{}
	if s := ec.QueryParam("stream"); s != "" {
		filter.Stream = events.Stream(s)
		if s == "events" {
			filter.Stream = events.StreamSemantic
		}
	}
	if types := ec.QueryParams()["eventType"]; len(types) > 0 {
		filter.EventTypes = make(map[events.Type]bool, len(types))
		for _, t := range types {
			filter.EventTypes[events.Type(t)] = true
		}
	}

	sub := c.manager.Subscribe(runID, filter)
	if sub == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found or already finished")
	}

	conn, err := upgrader.Upgrade(ec.Response(), ec.Request(), nil)
	if err != nil {
		c.manager.Unsubscribe(runID, sub)
		return err
	}

	client := events.NewClient(c.hub, conn, sub)
	client.Run()
	return nil
}
