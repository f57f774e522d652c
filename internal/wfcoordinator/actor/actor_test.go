package actor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/actionexec"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/executor"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/token"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

func intPtr(n int) *int { return &n }

// mockNode builds a single-step node whose action returns output
// verbatim. A node wanting to keep one of output's fields sets outMapping
// to read it from the step's raw result at _branch.__stepOutput.<field>,
// the same scratch path the executor package stages every step's result
// into before any OutputMapping rule runs.
func mockNode(ref string, output map[string]any, inMapping, outMapping workflow.Mapping) *workflow.Node {
	return &workflow.Node{
		Ref: ref,
		Task: workflow.TaskDef{
			Ref: ref + "-task",
			Steps: []workflow.Step{
				{
					Ref: ref + "-step",
					Action: workflow.Action{
						Ref:            ref + "-action",
						Kind:           workflow.ActionMock,
						Implementation: map[string]any{"output": output},
					},
					OnFailure: workflow.OnFailureAbort,
				},
			},
		},
		InputMapping:  inMapping,
		OutputMapping: outMapping,
	}
}

func failingNode(ref string, kind errs.Kind) *workflow.Node {
	return &workflow.Node{
		Ref: ref,
		Task: workflow.TaskDef{
			Ref: ref + "-task",
			Steps: []workflow.Step{
				{
					Ref: ref + "-step",
					Action: workflow.Action{
						Ref:            ref + "-action",
						Kind:           workflow.ActionMock,
						Implementation: map[string]any{"failWith": string(kind)},
					},
					OnFailure: workflow.OnFailureAbort,
				},
			},
		},
	}
}

func newHarness(t *testing.T, def *workflow.Definition, input string) (*Actor, *events.Log) {
	t.Helper()
	def.FreezeIndex()

	registry := actionexec.NewRegistry()
	registry.Register(workflow.ActionMock, actionexec.NewMockExecutor())
	eval, err := condition.New()
	if err != nil {
		t.Fatalf("condition.New: %v", err)
	}
	store, err := ctxstore.NewStore(json.RawMessage(input))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	exec := executor.New(registry, eval)
	tokens := token.NewManager("run-1", nil)
	log := events.NewLog("run-1")
	hub := events.NewHub()

	cfg := DefaultConfig()
	cfg.SnapshotMinWrites = 1
	cfg.SnapshotMinInterval = 0

	a := New("run-1", def, store, tokens, log, hub, exec, eval, cfg, nil)
	return a, log
}

// TestActor_LinearRunCompletes exercises a two-node chain with no
// fan-out/fan-in: start -> finish, each node writing a state field.
func TestActor_LinearRunCompletes(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "linear",
		Version:        "1",
		InitialNodeRef: "start",
		OutputMapping:  workflow.Mapping{{Target: "output.result", Source: "state.b"}},
		Nodes: map[string]*workflow.Node{
			"start":  mockNode("start", map[string]any{"a": 1.0}, nil, workflow.Mapping{{Target: "state.a", Source: "_branch.__stepOutput.a"}}),
			"finish": mockNode("finish", map[string]any{"b": 2.0}, nil, workflow.Mapping{{Target: "state.b", Source: "_branch.__stepOutput.b"}}),
		},
		Transitions: map[string]*workflow.Transition{
			"t1": {Ref: "t1", FromNodeRef: "start", ToNodeRef: "finish", Priority: 0},
		},
	}
	a, _ := newHarness(t, def, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if a.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", a.Status())
	}
	out := a.Output()
	if out["result"] != 2.0 {
		t.Errorf("output.result = %v, want 2", out["result"])
	}
}

// TestActor_FanOutFanInMergesSurvivors drives a 3-way fan-out into an
// "all" barrier that appends each branch's contribution, verifying the
// run completes with one collected value per branch.
func TestActor_FanOutFanInMergesSurvivors(t *testing.T) {
	spawn := 3
	def := &workflow.Definition{
		Reference:      "fanout",
		Version:        "1",
		InitialNodeRef: "split",
		Nodes: map[string]*workflow.Node{
			"split":  mockNode("split", nil, nil, nil),
			"branch": mockNode("branch", map[string]any{"v": 1.0}, nil, workflow.Mapping{{Target: "_branch.v", Source: "_branch.__stepOutput.v"}}),
			"join":   mockNode("join", nil, nil, nil),
		},
		Transitions: map[string]*workflow.Transition{
			"t-out": {Ref: "t-out", FromNodeRef: "split", ToNodeRef: "branch", Priority: 0, SpawnCount: intPtr(spawn), SiblingGroup: "grp"},
			"t-in": {
				Ref: "t-in", FromNodeRef: "branch", ToNodeRef: "join", Priority: 0,
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.StrategyAll,
					SiblingGroup: "grp",
					Merge:        []workflow.SyncMerge{{Source: "_branch.v", Target: "state.collected", Strategy: workflow.MergeAppend}},
				},
			},
		},
	}
	a, _ := newHarness(t, def, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if a.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", a.Status())
	}
	snap := a.ContextSnapshot()
	var state struct {
		Collected []float64 `json:"collected"`
	}
	if err := json.Unmarshal(snap.State, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.Collected) != spawn {
		t.Fatalf("collected %d values, want %d", len(state.Collected), spawn)
	}
}

// TestActor_ZeroSpawnFanOutFiresFanInImmediately covers the spawnCount=0
// boundary: the fan-in must fire with an empty arrival set instead of
// the run hanging forever.
func TestActor_ZeroSpawnFanOutFiresFanInImmediately(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "empty-fanout",
		Version:        "1",
		InitialNodeRef: "split",
		Nodes: map[string]*workflow.Node{
			"split":  mockNode("split", nil, nil, nil),
			"branch": mockNode("branch", nil, nil, nil),
			"join":   mockNode("join", nil, nil, nil),
		},
		Transitions: map[string]*workflow.Transition{
			"t-out": {Ref: "t-out", FromNodeRef: "split", ToNodeRef: "branch", Priority: 0, SpawnCount: intPtr(0), SiblingGroup: "grp"},
			"t-in": {
				Ref: "t-in", FromNodeRef: "branch", ToNodeRef: "join", Priority: 0,
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.StrategyAll,
					SiblingGroup: "grp",
					Merge:        []workflow.SyncMerge{{Source: "state.v", Target: "state.collected", Strategy: workflow.MergeAppend}},
				},
			},
		},
	}
	a, _ := newHarness(t, def, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if a.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", a.Status())
	}
	snap := a.ContextSnapshot()
	var state struct {
		Collected []any `json:"collected"`
	}
	if err := json.Unmarshal(snap.State, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.Collected) != 0 {
		t.Errorf("collected = %v, want empty", state.Collected)
	}
}

// TestActor_NodeFailurePropagatesToRun asserts a single node failure
// ends the run failed with the step's classified error kind.
func TestActor_NodeFailurePropagatesToRun(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "failing",
		Version:        "1",
		InitialNodeRef: "boom",
		Nodes: map[string]*workflow.Node{
			"boom": failingNode("boom", errs.KindActionFatal),
		},
		Transitions: map[string]*workflow.Transition{},
	}
	a, _ := newHarness(t, def, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to return an error")
	}
	if errs.KindOf(err) != errs.KindActionFatal {
		t.Errorf("kind = %s, want ActionFatalError", errs.KindOf(err))
	}
	if a.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", a.Status())
	}
}

// TestActor_CancelStopsActiveRun verifies Cancel produces a Cancelled
// failure and the run's tokens are retired rather than left hanging.
func TestActor_CancelStopsActiveRun(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "cancel-me",
		Version:        "1",
		InitialNodeRef: "slow",
		Nodes: map[string]*workflow.Node{
			"slow": {
				Ref: "slow",
				Task: workflow.TaskDef{
					Ref: "slow-task",
					Steps: []workflow.Step{
						{
							Ref: "slow-step",
							Action: workflow.Action{
								Ref:            "slow-action",
								Kind:           workflow.ActionMock,
								Implementation: map[string]any{"delayMs": 2000.0},
							},
							OnFailure: workflow.OnFailureAbort,
						},
					},
				},
			},
		},
		Transitions: map[string]*workflow.Transition{},
	}
	a, _ := newHarness(t, def, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	a.Cancel()

	select {
	case err := <-done:
		if errs.KindOf(err) != errs.KindCancelled {
			t.Errorf("kind = %s, want Cancelled", errs.KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	if a.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", a.Status())
	}
}

// TestActor_SubscriberReceivesWorkflowStarted checks the Hub wiring: a
// subscriber registered before Run sees the opening semantic event.
func TestActor_SubscriberReceivesWorkflowStarted(t *testing.T) {
	def := &workflow.Definition{
		Reference:      "observed",
		Version:        "1",
		InitialNodeRef: "only",
		Nodes: map[string]*workflow.Node{
			"only": mockNode("only", nil, nil, nil),
		},
		Transitions: map[string]*workflow.Transition{},
	}
	a, _ := newHarness(t, def, `{}`)
	sub := a.Subscribe(events.Filter{EventTypes: map[events.Type]bool{events.TypeWorkflowStarted: true}})
	defer a.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	select {
	case payload := <-sub.Recv():
		var ev events.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.Type != events.TypeWorkflowStarted {
			t.Errorf("event type = %s, want workflow.started", ev.Type)
		}
	default:
		t.Fatal("expected a buffered workflow.started event")
	}
}
