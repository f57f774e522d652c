package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/admission"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/runmanager"
)

// startRunRequest is the startRun HTTP surface (spec §6).
type startRunRequest struct {
	Version           *string         `json:"version,omitempty"`
	Input             json.RawMessage `json:"input"`
	ParentRunID       string          `json:"parentRunId,omitempty"`
	ParentTokenID     string          `json:"parentTokenId,omitempty"`
	EnableTraceEvents bool            `json:"enableTraceEvents,omitempty"`
	TimeoutMs         int             `json:"timeoutMs,omitempty"`
}

const idempotencyTTL = 10 * time.Minute

// startRun handles POST /api/v1/workflows/:reference/runs: resolve the
// path param, bind a JSON body, delegate to the run manager, and
// translate its error into an HTTP status. A repeated request carrying
// the same Idempotency-Key returns the original runId instead of
// starting a second run, and a workflow with many LLM-backed steps is
// throttled more tightly than a purely deterministic one.
func (c *container) startRun(ec echo.Context) error {
	reference := ec.Param("reference")
	var req startRunRequest
	if err := ec.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := ec.Request().Context()

	if key := ec.Request().Header.Get("Idempotency-Key"); key != "" && c.components.Cache != nil {
		cacheKey := "coordinatord:idempotency:" + reference + ":" + key
		if cached, found, err := c.components.Cache.Get(ctx, cacheKey); err == nil && found {
			return ec.JSON(http.StatusOK, map[string]string{"runId": string(cached)})
		}
		runID, err := c.admitAndStart(ctx, ec, reference, req)
		if err != nil {
			return err
		}
		_ = c.components.Cache.Set(ctx, cacheKey, []byte(runID), idempotencyTTL)
		return ec.JSON(http.StatusAccepted, map[string]string{"runId": runID})
	}

	runID, err := c.admitAndStart(ctx, ec, reference, req)
	if err != nil {
		return err
	}
	return ec.JSON(http.StatusAccepted, map[string]string{"runId": runID})
}

// admitAndStart resolves reference's definition, rate-limits it by tier,
// then asks the run manager to start it. Returns an *echo.HTTPError on
// any failure so callers can return it directly.
func (c *container) admitAndStart(ctx context.Context, ec echo.Context, reference string, req startRunRequest) (string, error) {
	reqCtx := ctx

	if c.rateLimiter != nil {
		def, err := c.loader.Load(reqCtx, "workflow", reference, req.Version)
		if err != nil {
			return "", echo.NewHTTPError(http.StatusNotFound, "definition not found")
		}
		tier, agentCount := admission.Classify(def)
		username := ec.Request().Header.Get("X-User-ID")
		if username == "" {
			username = "anonymous"
		}
		result, err := c.rateLimiter.CheckTieredLimit(reqCtx, username, tier)
		if err == nil && !result.Allowed {
			return "", echo.NewHTTPError(http.StatusTooManyRequests, map[string]any{
				"error":       "workflow_tier_rate_limit_exceeded",
				"tier":        tier,
				"agentCount":  agentCount,
				"retryAfterS": result.RetryAfterSeconds,
			})
		}
	}

	runID, err := c.manager.StartRun(reqCtx, reference, req.Version, req.Input, runmanager.StartOptions{
		ParentRunID:   req.ParentRunID,
		ParentTokenID: req.ParentTokenID,
		EnableTrace:   req.EnableTraceEvents,
		TimeoutMs:     req.TimeoutMs,
	})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return runID, nil
}

// getRun handles GET /api/v1/runs/:id.
func (c *container) getRun(ec echo.Context) error {
	runID := ec.Param("id")
	status, err := c.manager.GetRun(ec.Request().Context(), runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return ec.JSON(http.StatusOK, status)
}

// cancelRun handles POST /api/v1/runs/:id/cancel.
func (c *container) cancelRun(ec echo.Context) error {
	runID := ec.Param("id")
	if err := c.manager.CancelRun(runID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return ec.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// healthCheck reports liveness of the coordinator and its optional Redis
// dependency; a degraded dependency still answers 200 with detail.
func (c *container) healthCheck(ec echo.Context) error {
	body := map[string]any{"status": "ok", "service": "coordinatord"}
	if err := c.components.Health(ec.Request().Context()); err != nil {
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if c.redisHealth != nil {
		if err := c.redisHealth.Ping(ec.Request().Context()); err != nil {
			body["status"] = "degraded"
			body["redis"] = err.Error()
		}
	}
	return ec.JSON(http.StatusOK, body)
}
