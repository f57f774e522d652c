package actionexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/actionexec/security"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/metrics"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 10 << 20 // 10MiB
)

// HTTPExecutor implements the "http" ActionKind: it builds an outbound
// HTTP request from the action's Implementation block, validates the
// target with the security package before dialing, and captures
// duration/status into a metrics map attached to the result.
type HTTPExecutor struct {
	client  *http.Client
	guard   *security.Guard
	limiter *rate.Limiter
}

// NewHTTPExecutor creates an HTTPExecutor backed by a real SSRF guard and
// a client with the coordinator's default outbound timeout, unthrottled.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: defaultHTTPTimeout},
		guard:  security.NewGuard(),
	}
}

// NewHTTPExecutorWithDeps creates an HTTPExecutor with injected
// dependencies, for tests that must not perform real network I/O or DNS
// lookups.
func NewHTTPExecutorWithDeps(client *http.Client, guard *security.Guard) *HTTPExecutor {
	return &HTTPExecutor{client: client, guard: guard}
}

// WithRateLimit bounds this executor's outbound request rate to rps
// requests/sec with a burst of burst, returning the same *HTTPExecutor
// for chaining. Shared across every run in a process, since the outbound
// dependency being protected (an external HTTP API) is itself shared
// (spec §5: "the Action Executor may maintain its own internal pools...
// shared across runs").
func (h *HTTPExecutor) WithRateLimit(rps float64, burst int) *HTTPExecutor {
	h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return h
}

// Execute builds and issues the HTTP request. Implementation fields:
//
//	url     string            (required)
//	method  string            (default "GET")
//	headers map[string]string (optional)
//
// input is marshaled as the request body for any method other than GET
// or HEAD. The response is decoded into Output as {status, headers,
// body}, where body is the parsed JSON response if the content type is
// JSON, else the raw string.
func (h *HTTPExecutor) Execute(ctx context.Context, action workflow.Action, input map[string]any) (Result, error) {
	rm := metrics.CaptureStart(ctx)

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return Result{}, errs.Wrap(errs.KindActionTransient, fmt.Sprintf("http action %s: rate limit wait", action.Ref), err)
		}
	}

	url, _ := action.Implementation["url"].(string)
	if url == "" {
		return Result{}, errs.New(errs.KindActionFatal, fmt.Sprintf("http action %s: implementation.url is required", action.Ref))
	}
	if err := h.guard.ValidateURL(url); err != nil {
		return Result{}, errs.Wrap(errs.KindActionFatal, fmt.Sprintf("http action %s: blocked target", action.Ref), err)
	}

	method, _ := action.Implementation["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		payload, err := json.Marshal(input)
		if err != nil {
			return Result{}, errs.Wrap(errs.KindActionFatal, fmt.Sprintf("http action %s: encoding request body", action.Ref), err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindActionFatal, fmt.Sprintf("http action %s: building request", action.Ref), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := action.Implementation["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		rm.Finalize(ctx)
		return Result{Metrics: rm.ToMap()}, errs.Wrap(errs.KindActionTransient, fmt.Sprintf("http action %s: request failed", action.Ref), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		rm.Finalize(ctx)
		return Result{Metrics: rm.ToMap()}, errs.Wrap(errs.KindActionTransient, fmt.Sprintf("http action %s: reading response", action.Ref), err)
	}

	var decodedBody any
	if isJSONContentType(resp.Header.Get("Content-Type")) {
		if err := json.Unmarshal(raw, &decodedBody); err != nil {
			decodedBody = string(raw)
		}
	} else {
		decodedBody = string(raw)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	rm.Finalize(ctx)
	result := Result{
		Output: map[string]any{
			"status":  resp.StatusCode,
			"headers": headers,
			"body":    decodedBody,
		},
		Metrics: rm.ToMap(),
	}

	if resp.StatusCode >= 500 {
		return result, errs.New(errs.KindActionTransient, fmt.Sprintf("http action %s: upstream returned %d", action.Ref, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return result, errs.New(errs.KindActionFatal, fmt.Sprintf("http action %s: upstream returned %d", action.Ref, resp.StatusCode))
	}
	return result, nil
}

func isJSONContentType(contentType string) bool {
	return len(contentType) >= 16 && contentType[:16] == "application/json"
}
