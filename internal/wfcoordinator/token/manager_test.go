package token

import (
	"context"
	"testing"
)

func TestCreateRoot(t *testing.T) {
	m := NewManager("run-1", nil)
	tok, err := m.CreateRoot(context.Background(), "start")
	if err != nil {
		t.Fatalf("CreateRoot failed: %v", err)
	}
	if tok.Status != StatusActive || tok.NodeRef != "start" {
		t.Errorf("unexpected root token: %+v", tok)
	}
	if m.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}

func TestTransition_ConsumesParentCreatesChild(t *testing.T) {
	m := NewManager("run-1", nil)
	root, _ := m.CreateRoot(context.Background(), "a")

	child, err := m.Transition(context.Background(), root, "b")
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if child.ParentID != root.ID || child.NodeRef != "b" || child.Hop != 1 {
		t.Errorf("unexpected child token: %+v", child)
	}

	got, _ := m.Get(root.ID)
	if got.Status != StatusConsumed {
		t.Errorf("parent token status = %s, want consumed", got.Status)
	}
	if m.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}

func TestTransition_RejectsNonActiveParent(t *testing.T) {
	m := NewManager("run-1", nil)
	root, _ := m.CreateRoot(context.Background(), "a")
	if _, err := m.Transition(context.Background(), root, "b"); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}
	if _, err := m.Transition(context.Background(), root, "c"); err == nil {
		t.Errorf("expected transition on consumed token to fail")
	}
}

func TestFanOut_CreatesSiblingsWithSharedGroup(t *testing.T) {
	m := NewManager("run-1", nil)
	root, _ := m.CreateRoot(context.Background(), "a")

	children, err := m.FanOut(context.Background(), root, []string{"b", "c", "d"}, "grp1")
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("len(children) = %d, want 3", len(children))
	}
	for _, c := range children {
		if c.SiblingGroup != "grp1" || c.ParentID != root.ID {
			t.Errorf("child not wired to sibling group: %+v", c)
		}
	}
	if m.ActiveCount() != 3 {
		t.Errorf("ActiveCount() = %d, want 3", m.ActiveCount())
	}

	arrivals := m.SiblingArrivals("grp1")
	if len(arrivals) != 3 {
		t.Errorf("SiblingArrivals = %d, want 3", len(arrivals))
	}
}

func TestConsume_RetiresWithoutReplacement(t *testing.T) {
	m := NewManager("run-1", nil)
	root, _ := m.CreateRoot(context.Background(), "a")

	if err := m.Consume(context.Background(), root.ID); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if err := m.Consume(context.Background(), root.ID); err == nil {
		t.Errorf("expected double-consume to fail")
	}
}

func TestCancel_MarksAllActiveTokensCancelled(t *testing.T) {
	m := NewManager("run-1", nil)
	root, _ := m.CreateRoot(context.Background(), "a")
	_, _ = m.FanOut(context.Background(), root, []string{"b", "c"}, "grp1")

	cancelled := m.Cancel()
	if len(cancelled) != 2 {
		t.Fatalf("len(cancelled) = %d, want 2", len(cancelled))
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after cancel", m.ActiveCount())
	}
}

func TestActiveAt_ReflectsNodeIndex(t *testing.T) {
	m := NewManager("run-1", nil)
	root, _ := m.CreateRoot(context.Background(), "a")
	_, _ = m.FanOut(context.Background(), root, []string{"b", "b"}, "grp1")

	atB := m.ActiveAt("b")
	if len(atB) != 2 {
		t.Fatalf("ActiveAt(b) = %d tokens, want 2", len(atB))
	}
	if len(m.ActiveAt("a")) != 0 {
		t.Errorf("expected node a to have no active tokens after fan-out")
	}
}

type fakeCounter struct {
	delta map[string]int
}

func (f *fakeCounter) ApplyDelta(_ context.Context, _ string, opKey string, delta int) (int, bool, error) {
	if f.delta == nil {
		f.delta = make(map[string]int)
	}
	f.delta[opKey] += delta
	return f.delta[opKey], f.delta[opKey] == 0, nil
}

func TestCounter_ReceivesApplyDeltaCalls(t *testing.T) {
	fc := &fakeCounter{}
	m := NewManager("run-1", fc)

	root, err := m.CreateRoot(context.Background(), "a")
	if err != nil {
		t.Fatalf("CreateRoot failed: %v", err)
	}
	if _, err := m.FanOut(context.Background(), root, []string{"b", "c"}, "grp1"); err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if len(fc.delta) == 0 {
		t.Errorf("expected counter to observe ApplyDelta calls")
	}
}
