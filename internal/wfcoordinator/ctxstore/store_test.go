package ctxstore

import (
	"encoding/json"
	"testing"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

func TestNewStore_SeedsInputReadOnly(t *testing.T) {
	store, err := NewStore(json.RawMessage(`{"userId":"u1"}`))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	val, ok := store.Get("input.userId")
	if !ok || val != "u1" {
		t.Fatalf("Get(input.userId) = %v, %v; want u1, true", val, ok)
	}
	if err := store.Set("input.userId", "u2"); err == nil {
		t.Errorf("expected write to input namespace to fail")
	}
}

func TestSetAndGet_StateAndOutput(t *testing.T) {
	store, _ := NewStore(nil)
	if err := store.Set("state.attempt", 1.0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set("output.result.summary", "done"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if val, ok := store.Get("state.attempt"); !ok || val != 1.0 {
		t.Errorf("Get(state.attempt) = %v, %v", val, ok)
	}
	if val, ok := store.Get("output.result.summary"); !ok || val != "done" {
		t.Errorf("Get(output.result.summary) = %v, %v", val, ok)
	}
}

func TestGet_UndefinedPath(t *testing.T) {
	store, _ := NewStore(nil)
	if _, ok := store.Get("state.missing"); ok {
		t.Errorf("expected undefined path to report ok=false")
	}
}

func TestBranchScopedIsolation(t *testing.T) {
	store, _ := NewStore(nil)
	if err := store.SetForToken("_branch.index", 0.0, "tokenA"); err != nil {
		t.Fatalf("SetForToken failed: %v", err)
	}
	if err := store.SetForToken("_branch.index", 1.0, "tokenB"); err != nil {
		t.Fatalf("SetForToken failed: %v", err)
	}

	valA, _ := store.GetForToken("_branch.index", "tokenA")
	valB, _ := store.GetForToken("_branch.index", "tokenB")
	if valA != 0.0 || valB != 1.0 {
		t.Errorf("branch namespaces leaked across tokens: A=%v B=%v", valA, valB)
	}
}

func TestForkBranch_CopiesParentScope(t *testing.T) {
	store, _ := NewStore(nil)
	_ = store.SetForToken("_branch.seen", true, "parent")
	store.ForkBranch("parent", "child")

	val, ok := store.GetForToken("_branch.seen", "child")
	if !ok || val != true {
		t.Fatalf("expected forked branch to inherit parent value, got %v, %v", val, ok)
	}

	_ = store.SetForToken("_branch.seen", false, "child")
	parentVal, _ := store.GetForToken("_branch.seen", "parent")
	if parentVal != true {
		t.Errorf("expected writes to child branch not to mutate parent, got %v", parentVal)
	}
}

func TestDropBranch_RemovesScope(t *testing.T) {
	store, _ := NewStore(nil)
	_ = store.SetForToken("_branch.x", 1.0, "t1")
	store.DropBranch("t1")
	if val, ok := store.GetForToken("_branch.x", "t1"); ok {
		t.Errorf("expected dropped branch to read as undefined, got %v", val)
	}
}

func TestApplyMapping_DeterministicOrderAcrossNamespaces(t *testing.T) {
	store, _ := NewStore(json.RawMessage(`{"name":"alice"}`))
	_ = store.Set("state.score", 9.0)

	mapping := workflow.Mapping{
		{Target: "output.name", Source: "input.name"},
		{Target: "output.score", Source: "state.score"},
	}
	if err := store.ApplyMapping(mapping, ""); err != nil {
		t.Fatalf("ApplyMapping failed: %v", err)
	}

	name, _ := store.Get("output.name")
	score, _ := store.Get("output.score")
	if name != "alice" || score != 9.0 {
		t.Errorf("ApplyMapping results = name=%v score=%v", name, score)
	}
}

func TestApplyMapping_MissingSourceErrors(t *testing.T) {
	store, _ := NewStore(nil)
	mapping := workflow.Mapping{{Target: "output.x", Source: "state.missing"}}
	if err := store.ApplyMapping(mapping, ""); err == nil {
		t.Errorf("expected error for missing mapping source")
	}
}

func TestSnapshotAndRestore_RoundTrip(t *testing.T) {
	store, _ := NewStore(json.RawMessage(`{"a":1}`))
	_ = store.Set("state.b", 2.0)
	_ = store.SetForToken("_branch.c", 3.0, "tok")

	snap := store.Snapshot()
	restored := Restore(snap)

	val, ok := restored.Get("input.a")
	if !ok || val != 1.0 {
		t.Errorf("restored input.a = %v, %v", val, ok)
	}
	val, ok = restored.GetForToken("_branch.c", "tok")
	if !ok || val != 3.0 {
		t.Errorf("restored _branch.c = %v, %v", val, ok)
	}
}
