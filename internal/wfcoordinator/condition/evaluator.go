// Package condition evaluates the restricted boolean expression language
// from spec §4.5 over the workflow context: path references into
// input/state/output/_branch, equality/ordering comparisons against
// literal scalars, boolean and/or/not, and exists(path). Undefined paths
// evaluate to undefined; every comparison against undefined is false
// rather than an error, and `!exists(path)` is true for a missing path.
//
// Expressions compile to CEL programs cached by expression text, with
// the four context namespaces bound as variables and exists() expanded
// as a parse-time macro.
package condition

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
)

// View is the read-only context a condition is evaluated against: the
// four namespaces from spec §3, already resolved to plain JSON values.
type View struct {
	Input  any
	State  any
	Output any
	Branch any // the completing/current token's _branch scope, or nil
}

// AsMap exposes the view as the plain namespace map CEL and path lookups
// evaluate against.
func (v View) AsMap() map[string]any {
	return v.asMap()
}

func (v View) asMap() map[string]any {
	return map[string]any{
		"input":   orEmpty(v.Input),
		"state":   orEmpty(v.State),
		"output":  orEmpty(v.Output),
		"_branch": orEmpty(v.Branch),
	}
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

// Evaluator compiles and caches condition expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
	env   *cel.Env
}

// New creates a condition Evaluator with an empty compile cache.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("state", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("_branch", cel.DynType),
		cel.Macros(cel.GlobalMacro("exists", 1, expandExistsMacro)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// expandExistsMacro rewrites exists(state.a.b) at parse time into the
// chain of presence tests has(state.a) && has(state.a.b). CEL evaluates
// user-defined functions strictly, so a plain function implementation
// would receive a "no such key" error for its argument instead of the
// undefined path it is supposed to test for; presence tests (the
// machinery behind the built-in has() macro) combined with &&'s
// short-circuit make a missing intermediate segment resolve to false
// instead of an error.
func expandExistsMacro(mef cel.MacroExprFactory, _ ast.Expr, args []ast.Expr) (ast.Expr, *cel.Error) {
	arg := args[0]
	if arg.Kind() == ast.IdentKind {
		// A bare namespace reference; the four context variables are
		// always bound.
		return mef.NewLiteral(types.True), nil
	}

	// Collect one presence test per select segment, leaf-first.
	var tests []ast.Expr
	cur := arg
	for cur.Kind() == ast.SelectKind {
		sel := cur.AsSelect()
		tests = append(tests, mef.NewPresenceTest(mef.Copy(sel.Operand()), sel.FieldName()))
		cur = sel.Operand()
	}
	if cur.Kind() != ast.IdentKind || len(tests) == 0 {
		return nil, mef.NewError(arg.ID(), "exists() requires a dotted context path")
	}

	// Short-circuit order must check the shallowest segment first, so a
	// missing intermediate never reaches the deeper (erroring) test.
	expr := tests[len(tests)-1]
	for i := len(tests) - 2; i >= 0; i-- {
		expr = mef.NewCall(operators.LogicalAnd, expr, tests[i])
	}
	return expr, nil
}

var dollarPathPattern = regexp.MustCompile(`\$\.(input|state|output|_branch)\b`)

// normalize rewrites `$.state.foo` style path references (spec §4.2, §4.5)
// into bare CEL identifier paths (`state.foo`).
func normalize(expr string) string {
	return dollarPathPattern.ReplaceAllString(expr, "$1")
}

// Parse validates expr compiles under the condition grammar without
// evaluating it — used by the Definition Loader to reject malformed
// conditions before any run exists (spec §4.1).
func Parse(expr string) (cel.Program, error) {
	e, err := New()
	if err != nil {
		return nil, err
	}
	return e.compile(expr)
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	norm := normalize(expr)

	e.mu.RLock()
	prg, ok := e.cache[norm]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	checked, issues := e.env.Compile(norm)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compile error: %w", issues.Err())
	}
	prg, err := e.env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("condition program error: %w", err)
	}

	e.mu.Lock()
	e.cache[norm] = prg
	e.mu.Unlock()
	return prg, nil
}

// Eval evaluates expr against view. A runtime evaluation error means the
// expression touched an undefined path ("no such key") or compared one
// against an incompatible literal ("no such overload"); spec §4.5 defines
// both as "does not match", so they report false rather than failing the
// run. Compile errors still surface as errors.
func (e *Evaluator) Eval(expr string, view View) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(view.asMap())
	if err != nil {
		return false, nil
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to bool, got %T", out.Value())
	}
	return result, nil
}

// CacheSize reports the number of compiled programs cached, used by tests
// to assert the cache is actually being hit.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// pathSegment matches one dotted identifier segment of a restricted
// JSONPath, optionally followed by a bracketed non-negative array index
// (e.g. "items[3]"). No wildcards, no filters — spec §4.2 restricts both
// read and write paths to plain field/index traversal.
var pathSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\[[0-9]+\])*$`)

// namespaces a branch-path (merge source) may begin with — a fan-in merge
// reads from the completing token's own context (spec §4.5).
var branchNamespaces = []string{"input.", "state.", "output.", "_branch."}

// namespaces a write-path (merge target, output mapping target) may begin
// with — only state and output are ever mutated (spec §4.2, §4.5).
var writeNamespaces = []string{"state.", "output."}

// IsValidBranchPath reports whether path is a syntactically valid read
// path rooted at one of the four context namespaces.
func IsValidBranchPath(path string) bool {
	return validPath(path, branchNamespaces)
}

// IsValidWritePath reports whether path is a syntactically valid write
// path rooted at state. or output. (spec §4.2 — input and _branch are
// never write targets).
func IsValidWritePath(path string) bool {
	return validPath(path, writeNamespaces)
}

func validPath(path string, allowedNamespaces []string) bool {
	var rest string
	matched := false
	for _, ns := range allowedNamespaces {
		if strings.HasPrefix(path, ns) {
			rest = strings.TrimPrefix(path, ns)
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if rest == "" {
		return true
	}
	for _, seg := range strings.Split(rest, ".") {
		if !pathSegment.MatchString(seg) {
			return false
		}
	}
	return true
}
