package condition

import "testing"

func TestEval_PathComparisons(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	view := View{
		Output: map[string]any{"approved": true, "score": 7.0},
		State:  map[string]any{"attempt": 2.0},
	}

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"bool field true", "output.approved == true", true},
		{"numeric gt", "output.score > 5.0", true},
		{"numeric lt false", "output.score < 5.0", false},
		{"state field", "state.attempt == 2.0", true},
		{"and", "output.approved == true && output.score > 5.0", true},
		{"or", "output.score > 100.0 || output.approved == true", true},
		{"not", "!(output.approved == false)", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Eval(tc.expr, view)
			if err != nil {
				t.Fatalf("Eval(%q) error: %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("Eval(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestEval_DollarPathNormalization(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	view := View{Output: map[string]any{"approved": true}}

	got, err := e.Eval("$.output.approved == true", view)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if !got {
		t.Errorf("expected true, got false")
	}
}

func TestEval_ExistsMacro(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	view := View{State: map[string]any{
		"seen":   1.0,
		"nested": map[string]any{"inner": "v"},
	}}

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"present key", "exists(state.seen)", true},
		{"missing key", "exists(state.missing)", false},
		{"nested present", "exists(state.nested.inner)", true},
		{"nested missing leaf", "exists(state.nested.other)", false},
		{"missing intermediate", "exists(state.ghost.inner)", false},
		{"not exists missing", "!exists(state.missing)", true},
		{"not exists present", "!exists(state.seen)", false},
		{"bare namespace", "exists(state)", true},
		{"in conjunction", "exists(state.seen) && state.seen == 1.0", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Eval(tc.expr, view)
			if err != nil {
				t.Fatalf("Eval(%q) error: %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("Eval(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestEval_ComparisonsAgainstUndefinedAreFalse(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	view := View{State: map[string]any{"present": 1.0}}

	cases := []string{
		"state.missing == 'x'",
		"state.missing > 5.0",
		"state.ghost.inner == true",
		"state.missing == 'x' || state.also_missing > 1.0",
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			got, err := e.Eval(expr, view)
			if err != nil {
				t.Fatalf("Eval(%q) error: %v", expr, err)
			}
			if got {
				t.Errorf("Eval(%q) = true, want false for undefined path", expr)
			}
		})
	}

	// A defined branch of an or still matches even when the other
	// branch touches an undefined path.
	got, err := e.Eval("state.present == 1.0 || state.missing > 5.0", view)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if !got {
		t.Error("expected defined or-branch to match despite undefined sibling")
	}
}

func TestEval_CachesCompiledPrograms(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	view := View{Output: map[string]any{"x": 1.0}}

	for i := 0; i < 3; i++ {
		if _, err := e.Eval("output.x == 1.0", view); err != nil {
			t.Fatalf("Eval failed: %v", err)
		}
	}
	if got := e.CacheSize(); got != 1 {
		t.Errorf("CacheSize() = %d, want 1", got)
	}
}

func TestEval_NonBoolResultErrors(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := e.Eval("output.x", View{Output: map[string]any{"x": 1.0}}); err == nil {
		t.Errorf("expected error for non-bool condition result")
	}
}

func TestParse_RejectsMalformedExpression(t *testing.T) {
	if _, err := Parse("output.approved =="); err == nil {
		t.Errorf("expected Parse to reject malformed expression")
	}
}

func TestParse_AcceptsValidExpression(t *testing.T) {
	if _, err := Parse("output.approved == true"); err != nil {
		t.Errorf("Parse failed on valid expression: %v", err)
	}
}

func TestIsValidBranchPath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"input.userId", true},
		{"state.attempt", true},
		{"output.result.items[0]", true},
		{"_branch.index", true},
		{"output..bad", false},
		{"foo.bar", false},
		{"output.bad[-1]", false},
	}
	for _, tc := range cases {
		if got := IsValidBranchPath(tc.path); got != tc.want {
			t.Errorf("IsValidBranchPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestIsValidWritePath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"state.result", true},
		{"output.summary", true},
		{"input.userId", false},
		{"_branch.index", false},
	}
	for _, tc := range cases {
		if got := IsValidWritePath(tc.path); got != tc.want {
			t.Errorf("IsValidWritePath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
