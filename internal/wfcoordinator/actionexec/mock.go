package actionexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// MockExecutor implements the "mock" ActionKind: it never performs a real
// side effect, returning a canned output straight out of the action's
// Implementation block. Used for definition dry-runs and tests.
type MockExecutor struct {
	mu    sync.Mutex
	calls map[string]int
}

// NewMockExecutor creates a MockExecutor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{calls: make(map[string]int)}
}

// Calls reports how many times the action identified by ref has been
// invoked on this executor.
func (m *MockExecutor) Calls(ref string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[ref]
}

// Execute returns Implementation["output"] as the result if present,
// otherwise samples a value conforming to Implementation["schema"] (spec
// §4.4). Implementation["delayMs"] (a number, or {"min","max"}) sleeps
// before returning — the minimum of a range is used so property 6's
// bit-identical-replay requirement holds for fixed definitions.
// Implementation["failWith"] lets a test definition force a classified
// failure without a real dependency to break; Implementation["failTimes"]
// limits that to the first N invocations of the action, so retry paths
// can be driven to a successful outcome.
func (m *MockExecutor) Execute(ctx context.Context, action workflow.Action, input map[string]any) (Result, error) {
	m.mu.Lock()
	m.calls[action.Ref]++
	attempt := m.calls[action.Ref]
	m.mu.Unlock()

	failTimes := -1
	if ft, ok := action.Implementation["failTimes"].(float64); ok {
		failTimes = int(ft)
	}

	if failWith, ok := action.Implementation["failWith"]; ok && (failTimes < 0 || attempt <= failTimes) {
		kind, _ := failWith.(string)
		switch errs.Kind(kind) {
		case errs.KindActionTransient:
			return Result{}, errs.New(errs.KindActionTransient, fmt.Sprintf("mock action %s forced a transient failure", action.Ref))
		default:
			return Result{}, errs.New(errs.KindActionFatal, fmt.Sprintf("mock action %s forced a fatal failure", action.Ref))
		}
	}

	if err := mockSleep(ctx, action.Implementation["delayMs"]); err != nil {
		return Result{}, err
	}

	output, _ := action.Implementation["output"].(map[string]any)
	if output == nil {
		if schema, ok := action.Implementation["schema"].(map[string]any); ok {
			output = sampleObject(schema)
		} else {
			output = map[string]any{}
		}
	}
	return Result{Output: output, Metrics: map[string]any{"mock": true}}, nil
}

func mockSleep(ctx context.Context, raw any) error {
	var ms float64
	switch v := raw.(type) {
	case nil:
		return nil
	case float64:
		ms = v
	case map[string]any:
		min, _ := v["min"].(float64)
		ms = min
	default:
		return nil
	}
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "mock action delay interrupted", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// sampleObject generates a deterministic value conforming to a JSON
// Schema "object" node's declared properties, one fixed sample per type —
// enough to exercise a mock action's declared output shape without a
// real implementation behind it.
func sampleObject(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(props))
	for name, raw := range props {
		propSchema, _ := raw.(map[string]any)
		out[name] = sampleValue(propSchema)
	}
	return out
}

func sampleValue(schema map[string]any) any {
	typ, _ := schema["type"].(string)
	switch typ {
	case "string":
		length := 8
		if ml, ok := schema["minLength"].(float64); ok {
			length = int(ml)
		}
		return strings.Repeat("x", length)
	case "integer", "number":
		return 0.0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return sampleObject(schema)
	default:
		return nil
	}
}
