// Package actionexec implements the Action Executor surface a step's
// action dispatches to (spec §4.4): one Executor per ActionKind, selected
// by a Registry the Run Actor consults when it runs a step. Each Executor
// returns a result map plus a metrics map the coordinator attaches to the
// step's trace event.
package actionexec

import (
	"context"
	"fmt"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// Result is what an Executor produces for one action invocation: Output
// feeds the step's OutputMapping, Metrics is attached verbatim to the
// step's trace event.
type Result struct {
	Output  map[string]any
	Metrics map[string]any
}

// Executor runs one action and returns its result. Implementations should
// return an *errs.Error classified ActionTransientError for failures a
// step's retry policy should retry, or ActionFatalError for failures it
// shouldn't (spec §4.4, §7).
type Executor interface {
	Execute(ctx context.Context, action workflow.Action, input map[string]any) (Result, error)
}

// Registry dispatches to a registered Executor by ActionKind.
type Registry struct {
	executors map[workflow.ActionKind]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[workflow.ActionKind]Executor)}
}

// Register binds kind to an Executor. A second call for the same kind
// replaces the prior binding.
func (r *Registry) Register(kind workflow.ActionKind, ex Executor) {
	r.executors[kind] = ex
}

// Execute dispatches action to its registered Executor. An unregistered
// kind is a workflow-definition problem the Definition Loader should have
// caught, but the Run Actor still needs a safe runtime failure mode for
// it, so it surfaces as a fatal (non-retryable) action error.
func (r *Registry) Execute(ctx context.Context, action workflow.Action, input map[string]any) (Result, error) {
	ex, ok := r.executors[action.Kind]
	if !ok {
		return Result{}, errs.New(errs.KindActionFatal, fmt.Sprintf("no executor registered for action kind %q", action.Kind))
	}
	return ex.Execute(ctx, action, input)
}
