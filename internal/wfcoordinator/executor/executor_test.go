package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/actionexec"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

func newTestExecutor(t *testing.T) (*Executor, *ctxstore.Store) {
	t.Helper()
	registry := actionexec.NewRegistry()
	registry.Register(workflow.ActionMock, actionexec.NewMockExecutor())
	eval, err := condition.New()
	if err != nil {
		t.Fatalf("condition.New failed: %v", err)
	}
	store, err := ctxstore.NewStore(json.RawMessage(`{"question":"2+2"}`))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return New(registry, eval), store
}

func mockStep(ref string, onFailure workflow.StepFailureMode, output map[string]any, outMapping workflow.Mapping) workflow.Step {
	return workflow.Step{
		Ref: ref,
		Action: workflow.Action{
			Ref:            ref + "-action",
			Kind:           workflow.ActionMock,
			Implementation: map[string]any{"output": output},
		},
		OutputMapping: outMapping,
		OnFailure:     onFailure,
	}
}

func TestRunStep_MapsInputFromContextAndOutputIntoState(t *testing.T) {
	e, store := newTestExecutor(t)
	step := workflow.Step{
		Ref: "s1",
		Action: workflow.Action{
			Ref:  "s1-action",
			Kind: workflow.ActionMock,
			Implementation: map[string]any{
				"output": map[string]any{"answer": 4.0},
			},
		},
		InputMapping:  workflow.Mapping{{Target: "question", Source: "input.question"}},
		OutputMapping: workflow.Mapping{{Target: "state.answer", Source: "answer"}},
	}

	out, err := e.RunStep(context.Background(), &step, store, "tok1")
	if err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}
	if out.Effect != workflow.ActionContinue {
		t.Errorf("Effect = %v, want continue", out.Effect)
	}
	v, ok := store.Get("state.answer")
	if !ok || v != 4.0 {
		t.Errorf("state.answer = %v, want 4.0", v)
	}
}

func TestRunStep_ConditionSkipsActionWithoutExecuting(t *testing.T) {
	e, store := newTestExecutor(t)
	step := workflow.Step{
		Ref: "s1",
		Action: workflow.Action{
			Ref:            "s1-action",
			Kind:           workflow.ActionMock,
			Implementation: map[string]any{"failWith": "ActionFatalError"},
		},
		Condition: &workflow.StepCondition{If: "input.question == 'other'", Then: workflow.ActionContinue, Else: workflow.ActionSkip},
	}
	out, err := e.RunStep(context.Background(), &step, store, "tok1")
	if err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}
	if out.Effect != workflow.ActionSkip {
		t.Errorf("Effect = %v, want skip", out.Effect)
	}
}

func TestRunTask_RunsStepsInOrder(t *testing.T) {
	e, store := newTestExecutor(t)
	task := &workflow.TaskDef{
		Ref: "t1",
		Steps: []workflow.Step{
			mockStep("s1", workflow.OnFailureAbort, map[string]any{"v": 1.0}, workflow.Mapping{{Target: "state.first", Source: "v"}}),
			mockStep("s2", workflow.OnFailureAbort, map[string]any{"v": 2.0}, workflow.Mapping{{Target: "state.second", Source: "v"}}),
		},
	}
	outcome, err := e.RunTask(context.Background(), task, map[string]any{}, store, "tok1")
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if !outcome.Succeeded {
		t.Errorf("expected task to succeed")
	}
	if v, _ := store.Get("state.first"); v != 1.0 {
		t.Errorf("state.first = %v, want 1.0", v)
	}
	if v, _ := store.Get("state.second"); v != 2.0 {
		t.Errorf("state.second = %v, want 2.0", v)
	}
}

func TestRunTask_OnFailureContinueSkipsToNextStep(t *testing.T) {
	e, store := newTestExecutor(t)
	task := &workflow.TaskDef{
		Ref: "t1",
		Steps: []workflow.Step{
			{
				Ref:       "s1",
				Action:    workflow.Action{Ref: "s1-action", Kind: workflow.ActionMock, Implementation: map[string]any{"failWith": "ActionFatalError"}},
				OnFailure: workflow.OnFailureContinue,
			},
			mockStep("s2", workflow.OnFailureAbort, map[string]any{"v": "done"}, workflow.Mapping{{Target: "state.second", Source: "v"}}),
		},
	}
	outcome, err := e.RunTask(context.Background(), task, map[string]any{}, store, "tok1")
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if !outcome.Succeeded {
		t.Errorf("expected task to succeed despite s1 failing")
	}
	if v, _ := store.Get("state.second"); v != "done" {
		t.Errorf("state.second = %v, want done", v)
	}
}

func TestRunTask_OnFailureAbortStopsTask(t *testing.T) {
	e, store := newTestExecutor(t)
	task := &workflow.TaskDef{
		Ref: "t1",
		Steps: []workflow.Step{
			{
				Ref:       "s1",
				Action:    workflow.Action{Ref: "s1-action", Kind: workflow.ActionMock, Implementation: map[string]any{"failWith": "ActionFatalError"}},
				OnFailure: workflow.OnFailureAbort,
			},
			mockStep("s2", workflow.OnFailureAbort, map[string]any{"v": "unreached"}, workflow.Mapping{{Target: "state.second", Source: "v"}}),
		},
	}
	_, err := e.RunTask(context.Background(), task, map[string]any{}, store, "tok1")
	if errs.KindOf(err) != errs.KindActionFatal {
		t.Fatalf("KindOf(err) = %v, want ActionFatalError", errs.KindOf(err))
	}
	if _, ok := store.Get("state.second"); ok {
		t.Errorf("expected step s2 never to run")
	}
}

func TestRunTask_RetriesTransientFailureUntilMaxAttempts(t *testing.T) {
	e, store := newTestExecutor(t)
	task := &workflow.TaskDef{
		Ref: "t1",
		Retry: &workflow.RetryPolicy{MaxAttempts: 3, Backoff: workflow.BackoffNone, InitialDelayMs: 0},
		Steps: []workflow.Step{
			{
				Ref:       "s1",
				Action:    workflow.Action{Ref: "s1-action", Kind: workflow.ActionMock, Implementation: map[string]any{"failWith": "ActionTransientError"}},
				OnFailure: workflow.OnFailureRetry,
			},
		},
	}
	_, err := e.RunTask(context.Background(), task, map[string]any{}, store, "tok1")
	if errs.KindOf(err) != errs.KindActionTransient {
		t.Fatalf("KindOf(err) = %v, want ActionTransientError after exhausting retries", errs.KindOf(err))
	}
}

func TestRunTask_TimeoutCoversRetriesAndYieldsTimedOut(t *testing.T) {
	e, store := newTestExecutor(t)
	task := &workflow.TaskDef{
		Ref:       "t1",
		TimeoutMs: 30,
		Retry:     &workflow.RetryPolicy{MaxAttempts: 10, Backoff: workflow.BackoffLinear, InitialDelayMs: 25},
		Steps: []workflow.Step{
			{
				Ref:       "s1",
				Action:    workflow.Action{Ref: "s1-action", Kind: workflow.ActionMock, Implementation: map[string]any{"failWith": "ActionTransientError"}},
				OnFailure: workflow.OnFailureRetry,
			},
		},
	}
	start := time.Now()
	_, err := e.RunTask(context.Background(), task, map[string]any{}, store, "tok1")
	if errs.KindOf(err) != errs.KindTimedOut {
		t.Fatalf("KindOf(err) = %v, want TimedOut", errs.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("task ran %v, expected the 30ms deadline to cut the retry loop short", elapsed)
	}
}

func TestRunTask_OutputSchemaValidatesTaskScope(t *testing.T) {
	e, store := newTestExecutor(t)
	task := &workflow.TaskDef{
		Ref: "t1",
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []any{"answer"},
		},
		Steps: []workflow.Step{
			mockStep("s1", workflow.OnFailureAbort, map[string]any{"answer": 4.0}, workflow.Mapping{{Target: "_branch.answer", Source: "answer"}}),
		},
	}
	if _, err := e.RunTask(context.Background(), task, map[string]any{}, store, "tok1"); err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	// A task whose scope never gains the required field fails validation.
	store2, _ := ctxstore.NewStore(nil)
	task.Steps[0].OutputMapping = nil
	if _, err := e.RunTask(context.Background(), task, map[string]any{}, store2, "tok2"); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("KindOf(err) = %v, want ValidationError for missing required task output", errs.KindOf(err))
	}
}

func TestRunTask_InputSchemaViolationIsValidationError(t *testing.T) {
	e, store := newTestExecutor(t)
	task := &workflow.TaskDef{
		Ref: "t1",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"query"},
		},
		Steps: []workflow.Step{mockStep("s1", workflow.OnFailureAbort, map[string]any{}, nil)},
	}
	_, err := e.RunTask(context.Background(), task, map[string]any{}, store, "tok1")
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("KindOf(err) = %v, want ValidationError", errs.KindOf(err))
	}
}
