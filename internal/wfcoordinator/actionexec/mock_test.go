package actionexec

import (
	"context"
	"testing"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

func TestMockExecutor_ReturnsConfiguredOutput(t *testing.T) {
	m := NewMockExecutor()
	action := workflow.Action{
		Ref:  "a1",
		Kind: workflow.ActionMock,
		Implementation: map[string]any{
			"output": map[string]any{"greeting": "hello"},
		},
	}
	res, err := m.Execute(context.Background(), action, map[string]any{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Output["greeting"] != "hello" {
		t.Errorf("Output = %v, want greeting=hello", res.Output)
	}
}

func TestMockExecutor_EmptyImplementationReturnsEmptyOutput(t *testing.T) {
	m := NewMockExecutor()
	res, err := m.Execute(context.Background(), workflow.Action{Ref: "a1", Kind: workflow.ActionMock}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(res.Output) != 0 {
		t.Errorf("Output = %v, want empty", res.Output)
	}
}

func TestMockExecutor_FailWithForcesClassifiedError(t *testing.T) {
	m := NewMockExecutor()
	action := workflow.Action{
		Ref:            "a1",
		Kind:           workflow.ActionMock,
		Implementation: map[string]any{"failWith": string(errs.KindActionTransient)},
	}
	_, err := m.Execute(context.Background(), action, nil)
	if errs.KindOf(err) != errs.KindActionTransient {
		t.Errorf("KindOf(err) = %v, want ActionTransientError", errs.KindOf(err))
	}
}

func TestRegistry_DispatchesByKind(t *testing.T) {
	r := NewRegistry()
	r.Register(workflow.ActionMock, NewMockExecutor())

	res, err := r.Execute(context.Background(), workflow.Action{Kind: workflow.ActionMock}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Output == nil {
		t.Errorf("expected non-nil output map")
	}
}

func TestRegistry_UnregisteredKindIsFatalError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), workflow.Action{Kind: workflow.ActionLLM}, nil)
	if errs.KindOf(err) != errs.KindActionFatal {
		t.Errorf("KindOf(err) = %v, want ActionFatalError", errs.KindOf(err))
	}
}
