// Package client is wonderctl's HTTP+WebSocket client for coordinatord's
// run control surface (spec §6): startRun, cancelRun, getRun, and the
// event subscription handshake.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Client talks to one coordinatord instance over its HTTP+WS surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client pointed at baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

// StartRunRequest mirrors cmd/coordinatord's startRun request body.
type StartRunRequest struct {
	Version           *string         `json:"version,omitempty"`
	Input             json.RawMessage `json:"input"`
	ParentRunID       string          `json:"parentRunId,omitempty"`
	ParentTokenID     string          `json:"parentTokenId,omitempty"`
	EnableTraceEvents bool            `json:"enableTraceEvents,omitempty"`
	TimeoutMs         int             `json:"timeoutMs,omitempty"`
}

// StartRun invokes POST /api/v1/workflows/{reference}/runs and returns the
// new runId.
func (c *Client) StartRun(ctx context.Context, reference string, req StartRunRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode start run request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/workflows/%s/runs", c.baseURL, reference), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("start run request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("start run failed: %s: %s", resp.Status, string(raw))
	}

	var out struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode start run response: %w", err)
	}
	return out.RunID, nil
}

// CancelRun invokes POST /api/v1/runs/{id}/cancel.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/runs/%s/cancel", c.baseURL, runID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel run request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel run failed: %s: %s", resp.Status, string(raw))
	}
	return nil
}

// RunStatus mirrors runmanager.RunStatus.
type RunStatus struct {
	RunID   string         `json:"runId"`
	Status  string         `json:"status"`
	Output  map[string]any `json:"output,omitempty"`
	Failure map[string]any `json:"failure,omitempty"`
}

// GetRun invokes GET /api/v1/runs/{id}.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/runs/%s", c.baseURL, runID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get run request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get run failed: %s: %s", resp.Status, string(raw))
	}
	var status RunStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode run status: %w", err)
	}
	return &status, nil
}

// SubscribeEvents opens the websocket subscription for runID and returns
// the raw frames channel. The caller must close the returned io.Closer
// once done reading.
func (c *Client) SubscribeEvents(ctx context.Context, runID string) (<-chan []byte, io.Closer, error) {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = fmt.Sprintf("%s/api/v1/runs/%s/events", wsURL, runID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}

	frames := make(chan []byte, 64)
	go func() {
		defer close(frames)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- msg
		}
	}()
	return frames, conn, nil
}
