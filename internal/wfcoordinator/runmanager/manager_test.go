package runmanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/actionexec"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/actor"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/definition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/resource"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

type testLogger struct{}

func (testLogger) Info(msg string, args ...any)  {}
func (testLogger) Warn(msg string, args ...any)  {}
func (testLogger) Error(msg string, args ...any) {}

type countingMetrics struct {
	started   int
	completed map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{completed: make(map[string]int)}
}

func (m *countingMetrics) IncRunsStarted()                              { m.started++ }
func (m *countingMetrics) IncRunsCompleted(status string)               { m.completed[status]++ }
func (m *countingMetrics) SetActiveTokens(n int)                        {}
func (m *countingMetrics) IncEventsEmitted(stream string)               {}
func (m *countingMetrics) ObserveStepDuration(actionKind string, seconds float64) {}

func oneNodeDefinition(ref string) *workflow.Definition {
	def := &workflow.Definition{
		Reference:      ref,
		Version:        "v1",
		InitialNodeRef: "start",
		Nodes: map[string]*workflow.Node{
			"start": {
				Ref: "start",
				Task: workflow.TaskDef{
					Ref: "t1",
					Steps: []workflow.Step{
						{
							Ref: "s1",
							Action: workflow.Action{
								Ref:  "a1",
								Kind: workflow.ActionMock,
								Implementation: map[string]any{
									"output": map[string]any{"result": "done"},
								},
							},
						},
					},
				},
			},
		},
		Transitions: map[string]*workflow.Transition{},
	}
	return def
}

func newTestManager(t *testing.T, metrics Metrics) (*Manager, *resource.MemoryService) {
	t.Helper()
	svc := resource.NewMemoryService()
	loader := definition.New(resource.DefinitionSource{Svc: svc}, testLogger{})
	hub := events.NewHub()
	actions := actionexec.NewRegistry()
	actions.Register(workflow.ActionMock, actionexec.NewMockExecutor())
	eval, err := condition.New()
	if err != nil {
		t.Fatalf("condition.New failed: %v", err)
	}
	mgr := New(loader, svc, hub, actions, eval, nil, nil, actor.DefaultConfig(), testLogger{}, metrics)
	return mgr, svc
}

func TestStartRun_CompletesAndReportsStatus(t *testing.T) {
	mgr, svc := newTestManager(t, nil)
	def := oneNodeDefinition("single-node")
	svc.RegisterDefinition(def)

	runID, err := mgr.StartRun(context.Background(), "single-node", nil, json.RawMessage(`{}`), StartOptions{})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	mgr.Wait(runID)

	status, err := mgr.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if status.Status != string(actor.StatusCompleted) {
		t.Errorf("status = %q, want %q", status.Status, actor.StatusCompleted)
	}
}

func TestStartRun_UnknownReferenceFails(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	_, err := mgr.StartRun(context.Background(), "does-not-exist", nil, json.RawMessage(`{}`), StartOptions{})
	if err == nil {
		t.Fatal("expected error loading an unregistered definition")
	}
}

func TestStartRun_UpdatesMetrics(t *testing.T) {
	metrics := newCountingMetrics()
	mgr, svc := newTestManager(t, metrics)
	def := oneNodeDefinition("metered")
	svc.RegisterDefinition(def)

	runID, err := mgr.StartRun(context.Background(), "metered", nil, json.RawMessage(`{}`), StartOptions{})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	mgr.Wait(runID)

	if metrics.started != 1 {
		t.Errorf("started = %d, want 1", metrics.started)
	}
	if metrics.completed["completed"] != 1 {
		t.Errorf("completed[completed] = %d, want 1", metrics.completed["completed"])
	}
}

func TestStartRun_InvalidInputAgainstSchemaFails(t *testing.T) {
	mgr, svc := newTestManager(t, nil)
	def := oneNodeDefinition("schema-checked")
	def.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"name"},
	}
	svc.RegisterDefinition(def)

	_, err := mgr.StartRun(context.Background(), "schema-checked", nil, json.RawMessage(`{}`), StartOptions{})
	if err == nil {
		t.Fatal("expected run input missing a required field to fail schema validation")
	}
}

func TestStartRun_ValidInputAgainstSchemaSucceeds(t *testing.T) {
	mgr, svc := newTestManager(t, nil)
	def := oneNodeDefinition("schema-ok")
	def.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"name"},
	}
	svc.RegisterDefinition(def)

	runID, err := mgr.StartRun(context.Background(), "schema-ok", nil, json.RawMessage(`{"name":"a"}`), StartOptions{})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	mgr.Wait(runID)
}

func TestCancelRun_UnknownRunErrors(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	if err := mgr.CancelRun("no-such-run"); err == nil {
		t.Error("expected CancelRun on an unknown run to error")
	}
}

func TestSubscribe_UnknownRunReturnsNil(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	if sub := mgr.Subscribe("no-such-run", events.Filter{}); sub != nil {
		t.Error("expected Subscribe on an unknown run to return nil")
	}
}

func TestStartRun_TimeoutCancelsLongRunningRun(t *testing.T) {
	mgr, svc := newTestManager(t, nil)
	def := oneNodeDefinition("slow")
	def.Nodes["start"].Task.Steps[0].Action.Implementation["delayMs"] = float64(200)
	svc.RegisterDefinition(def)

	runID, err := mgr.StartRun(context.Background(), "slow", nil, json.RawMessage(`{}`), StartOptions{TimeoutMs: 10})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		mgr.Wait(runID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not terminate after its timeout elapsed")
	}

	status, err := mgr.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if status.Status == string(actor.StatusCompleted) {
		t.Errorf("expected a timed-out run not to report completed status, got %q", status.Status)
	}
}
