package definition

import (
	"context"
	"strings"
	"testing"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

type stubSource struct {
	def *workflow.Definition
}

func (s stubSource) ResolveRaw(ctx context.Context, kind, reference string, version *string) (*workflow.Definition, error) {
	cp := *s.def
	return &cp, nil
}

type nopLogger struct{}

func (nopLogger) Info(msg string, kv ...any) {}
func (nopLogger) Warn(msg string, kv ...any) {}

func intPtr(i int) *int { return &i }

// validGraph is a minimal well-formed three-node graph with one
// fan-out/fan-in pair, reused as the base case the rejection tests
// mutate.
func validGraph() *workflow.Definition {
	return &workflow.Definition{
		Kind:           "workflow",
		Reference:      "wf",
		Version:        "1",
		InitialNodeRef: "a",
		Nodes: map[string]*workflow.Node{
			"a": {Ref: "a"},
			"b": {Ref: "b"},
			"c": {Ref: "c"},
		},
		Transitions: map[string]*workflow.Transition{
			"t-out": {Ref: "t-out", FromNodeRef: "a", ToNodeRef: "b", SpawnCount: intPtr(2), SiblingGroup: "g"},
			"t-in": {Ref: "t-in", FromNodeRef: "b", ToNodeRef: "c",
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.StrategyAll,
					SiblingGroup: "g",
					Merge:        []workflow.SyncMerge{{Source: "_branch.v", Target: "state.vs", Strategy: workflow.MergeAppend}},
				}},
		},
	}
}

func TestValidate_AcceptsWellFormedGraph(t *testing.T) {
	if err := Validate(validGraph()); err != nil {
		t.Fatalf("Validate rejected a well-formed graph: %v", err)
	}
}

func TestValidate_RejectsMissingInitialNode(t *testing.T) {
	def := validGraph()
	def.InitialNodeRef = "nope"
	if err := Validate(def); err == nil {
		t.Fatal("expected an undeclared initialNodeRef to be rejected")
	}
}

func TestValidate_RejectsUnreachableNode(t *testing.T) {
	def := validGraph()
	def.Nodes["island"] = &workflow.Node{Ref: "island"}
	err := Validate(def)
	if err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("expected unreachable-node rejection, got %v", err)
	}
}

func TestValidate_RejectsDanglingTransitionEndpoint(t *testing.T) {
	def := validGraph()
	def.Transitions["t-bad"] = &workflow.Transition{Ref: "t-bad", FromNodeRef: "a", ToNodeRef: "ghost"}
	if err := Validate(def); err == nil {
		t.Fatal("expected a transition to an undeclared node to be rejected")
	}
}

func TestValidate_RejectsFanInWithoutMatchingFanOut(t *testing.T) {
	def := validGraph()
	def.Transitions["t-in"].Synchronization.SiblingGroup = "orphan"
	if err := Validate(def); err == nil {
		t.Fatal("expected a fan-in whose siblingGroup matches no fan-out to be rejected")
	}
}

func TestValidate_RejectsInvalidMergePaths(t *testing.T) {
	def := validGraph()
	def.Transitions["t-in"].Synchronization.Merge[0].Target = "input.vs"
	if err := Validate(def); err == nil {
		t.Fatal("expected a merge targeting input.* to be rejected")
	}

	def = validGraph()
	def.Transitions["t-in"].Synchronization.Merge[0].Source = "not a path"
	if err := Validate(def); err == nil {
		t.Fatal("expected a syntactically invalid merge source to be rejected")
	}
}

func TestValidate_RejectsOutputMappingOutsideAllowedNamespaces(t *testing.T) {
	def := validGraph()
	def.Nodes["a"].OutputMapping = workflow.Mapping{{Target: "input.x", Source: "_branch.x"}}
	if err := Validate(def); err == nil {
		t.Fatal("expected a node outputMapping targeting input.* to be rejected")
	}

	def = validGraph()
	def.OutputMapping = workflow.Mapping{{Target: "_branch.x", Source: "state.x"}}
	if err := Validate(def); err == nil {
		t.Fatal("expected a definition outputMapping targeting _branch.* to be rejected")
	}
}

func TestLoad_FreezesAndCachesByVersion(t *testing.T) {
	loader := New(stubSource{def: validGraph()}, nopLogger{})
	version := "1"

	def, err := loader.Load(context.Background(), "workflow", "wf", &version)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := def.OutgoingFrom("a"); len(got) != 1 || got[0].Ref != "t-out" {
		t.Fatalf("expected frozen index to serve outgoing transitions, got %+v", got)
	}

	again, err := loader.Load(context.Background(), "workflow", "wf", &version)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if again != def {
		t.Error("expected the versioned load to be served from cache")
	}
}

func TestPatch_ProducesNewFrozenVersion(t *testing.T) {
	base := validGraph()
	base.FreezeIndex()

	ops := []byte(`[{"op":"replace","path":"/initialNodeRef","value":"a"}]`)
	next, err := Patch(base, "2", ops)
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if next.Version != "2" {
		t.Errorf("patched version = %q, want 2", next.Version)
	}
	if base.Version != "1" {
		t.Errorf("original definition mutated: version = %q", base.Version)
	}
	if got := next.OutgoingFrom("a"); len(got) != 1 {
		t.Errorf("patched definition not re-frozen: outgoing = %+v", got)
	}
}

func TestPatch_RejectsPatchBreakingTheGraph(t *testing.T) {
	base := validGraph()
	ops := []byte(`[{"op":"replace","path":"/initialNodeRef","value":"ghost"}]`)
	if _, err := Patch(base, "2", ops); err == nil {
		t.Fatal("expected a patch producing an invalid graph to be rejected")
	}
}
