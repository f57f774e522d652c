// Package executor implements the Step/Task Executor (spec §4.4): input
// and output schema validation, per-step condition gating, action
// dispatch through an actionexec.Registry, and task-level retry/backoff
// around a failing step chain.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/actionexec"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// Scratch paths under a token's _branch namespace used to stage a step's
// resolved action input and raw action output before mapping rules run.
// These never leak into state/output directly; they exist only so
// Store.ApplyMapping's uniform target/source-path semantics can be reused
// for "build an action payload from context" and "fold an action result
// back into context" without a second mapping mechanism.
const (
	taskInputScratchPath  = "_branch.__taskInput"
	stepInputScratchPath  = "_branch.__stepInput"
	stepOutputScratchPath = "_branch.__stepOutput"
)

// TaskOutcome is the result of running one node's task to completion.
type TaskOutcome struct {
	Succeeded bool
}

// StepOutcome is the result of running a single step.
type StepOutcome struct {
	Effect  workflow.ConditionAction
	Output  map[string]any
	Metrics map[string]any
}

// StepObserver receives one action invocation's wall-clock duration,
// labeled by action kind (spec §8 supplemental: the step-duration
// histogram telemetry.Metrics exposes at /metrics).
type StepObserver interface {
	ObserveStepDuration(actionKind string, seconds float64)
}

// Executor runs tasks and their steps against a run's Context Store.
type Executor struct {
	actions  *actionexec.Registry
	eval     *condition.Evaluator
	observer StepObserver

	mu          sync.Mutex
	schemaCache map[string]*jsonschema.Schema
}

// New creates an Executor dispatching actions through actions and
// evaluating step conditions through eval.
func New(actions *actionexec.Registry, eval *condition.Evaluator) *Executor {
	return &Executor{
		actions:     actions,
		eval:        eval,
		schemaCache: make(map[string]*jsonschema.Schema),
	}
}

// WithObserver attaches a StepObserver that RunStep reports action
// durations to. Returns e for chaining at construction time.
func (e *Executor) WithObserver(o StepObserver) *Executor {
	e.observer = o
	return e
}

// RunTask executes task's steps for tokenID against store. input is the
// node's already-resolved task input (the caller applies the Node's
// InputMapping before calling RunTask); it is validated against
// task.InputSchema, then staged so each step's InputMapping can read it
// via taskInputScratchPath. A step failure whose Kind is
// ActionTransientError (any failure of a step whose OnFailure is "retry"
// is reclassified as one) reruns the task from its first step, up to
// task.Retry.MaxAttempts attempts with backoff; a failing step whose
// OnFailure is "continue" is skipped; any other failure aborts the task
// immediately (spec §4.4).
func (e *Executor) RunTask(ctx context.Context, task *workflow.TaskDef, input map[string]any, store *ctxstore.Store, tokenID string) (TaskOutcome, error) {
	inSchema, err := e.schemaFor(task.Ref, task.Version, "input", task.InputSchema)
	if err != nil {
		return TaskOutcome{}, err
	}
	if err := validate(inSchema, input); err != nil {
		return TaskOutcome{}, errs.Wrap(errs.KindValidation, fmt.Sprintf("task %s input", task.Ref), err)
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := store.SetForToken(taskInputScratchPath, input, tokenID); err != nil {
		return TaskOutcome{}, fmt.Errorf("task %s: staging input: %w", task.Ref, err)
	}

	// TimeoutMs bounds the whole task, retries and backoff included; the
	// per-step action deadline falls out of the shared ctx.
	if task.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	maxAttempts := 1
	if task.Retry != nil && task.Retry.MaxAttempts > maxAttempts {
		maxAttempts = task.Retry.MaxAttempts
	}

	var outcome TaskOutcome
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, lastErr = e.runSteps(ctx, task, store, tokenID)
		if lastErr == nil {
			break
		}
		if ctx.Err() == context.DeadlineExceeded {
			return outcome, errs.Wrap(errs.KindTimedOut, fmt.Sprintf("task %s deadline exceeded", task.Ref), lastErr)
		}
		if !errs.KindOf(lastErr).Retryable() || attempt == maxAttempts {
			return outcome, lastErr
		}
		if err := sleepBackoff(ctx, task.Retry, attempt); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return outcome, errs.Wrap(errs.KindTimedOut, fmt.Sprintf("task %s deadline exceeded", task.Ref), lastErr)
			}
			return outcome, err
		}
	}
	if lastErr != nil {
		return outcome, lastErr
	}

	outSchema, err := e.schemaFor(task.Ref, task.Version, "output", task.OutputSchema)
	if err != nil {
		return outcome, err
	}
	if err := validate(outSchema, taskScopeOutput(store, tokenID)); err != nil {
		return outcome, errs.Wrap(errs.KindValidation, fmt.Sprintf("task %s output", task.Ref), err)
	}
	return outcome, nil
}

// taskScopeOutput assembles the document a task's OutputSchema validates:
// the token's branch scope with the executor's own __-prefixed scratch
// keys stripped out, since those are staging areas rather than task
// output fields.
func taskScopeOutput(store *ctxstore.Store, tokenID string) map[string]any {
	v, ok := store.GetForToken("_branch", tokenID)
	if !ok {
		return map[string]any{}
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(doc))
	for k, val := range doc {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = val
	}
	return out
}

func (e *Executor) runSteps(ctx context.Context, task *workflow.TaskDef, store *ctxstore.Store, tokenID string) (TaskOutcome, error) {
	for i := range task.Steps {
		step := &task.Steps[i]
		out, err := e.RunStep(ctx, step, store, tokenID)
		if err != nil {
			switch step.OnFailure {
			case workflow.OnFailureContinue:
				continue
			case workflow.OnFailureRetry:
				if errs.KindOf(err) != errs.KindActionTransient {
					err = errs.Wrap(errs.KindActionTransient, fmt.Sprintf("step %s marked for retry", step.Ref), err)
				}
				return TaskOutcome{}, err
			default: // abort, or unset
				return TaskOutcome{}, err
			}
		}
		switch out.Effect {
		case workflow.ActionSucceed:
			return TaskOutcome{Succeeded: true}, nil
		case workflow.ActionFail:
			return TaskOutcome{}, errs.New(errs.KindActionFatal, fmt.Sprintf("step %s condition triggered fail", step.Ref))
		default: // continue, skip, or unset
		}
	}
	return TaskOutcome{Succeeded: true}, nil
}

// RunStep runs a single step: its condition (if any) gates whether the
// action fires at all, the action's input is resolved from context via
// step.InputMapping, the action executes, and its output is folded back
// into context via step.OutputMapping (spec §4.4).
func (e *Executor) RunStep(ctx context.Context, step *workflow.Step, store *ctxstore.Store, tokenID string) (StepOutcome, error) {
	if step.Condition != nil && step.Condition.If != "" {
		view := store.ViewForToken(tokenID)
		matched, err := e.eval.Eval(step.Condition.If, view)
		if err != nil {
			return StepOutcome{}, errs.Wrap(errs.KindConditionFailed, fmt.Sprintf("step %s condition", step.Ref), err)
		}
		effect := step.Condition.Else
		if matched {
			effect = step.Condition.Then
		}
		if effect == "" {
			effect = workflow.ActionContinue
		}
		if effect != workflow.ActionContinue {
			return StepOutcome{Effect: effect}, nil
		}
	}

	input, err := e.buildInput(step, store, tokenID)
	if err != nil {
		return StepOutcome{}, errs.Wrap(errs.KindMapping, fmt.Sprintf("step %s input mapping", step.Ref), err)
	}

	start := time.Now()
	result, err := e.actions.Execute(ctx, step.Action, input)
	if e.observer != nil {
		e.observer.ObserveStepDuration(string(step.Action.Kind), time.Since(start).Seconds())
	}
	if err != nil {
		return StepOutcome{}, err
	}

	output := result.Output
	if output == nil {
		output = map[string]any{}
	}
	if err := store.SetForToken(stepOutputScratchPath, output, tokenID); err != nil {
		return StepOutcome{}, fmt.Errorf("step %s: staging output: %w", step.Ref, err)
	}
	if err := store.ApplyMapping(prefixSources(step.OutputMapping, stepOutputScratchPath), tokenID); err != nil {
		return StepOutcome{}, errs.Wrap(errs.KindMapping, fmt.Sprintf("step %s output mapping", step.Ref), err)
	}

	return StepOutcome{Effect: workflow.ActionContinue, Output: output, Metrics: result.Metrics}, nil
}

func (e *Executor) buildInput(step *workflow.Step, store *ctxstore.Store, tokenID string) (map[string]any, error) {
	if err := store.SetForToken(stepInputScratchPath, map[string]any{}, tokenID); err != nil {
		return nil, err
	}
	if len(step.InputMapping) > 0 {
		if err := store.ApplyMapping(prefixTargets(step.InputMapping, stepInputScratchPath), tokenID); err != nil {
			return nil, err
		}
	}
	v, ok := store.GetForToken(stepInputScratchPath, tokenID)
	if !ok {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("input mapping for step %s did not produce an object", step.Ref)
	}
	return m, nil
}

// prefixTargets rewrites a Mapping's Target paths to live under prefix,
// so InputMapping rules (authored as plain field names) land in the
// step's private input scratch document instead of a shared namespace.
func prefixTargets(mapping workflow.Mapping, prefix string) workflow.Mapping {
	out := make(workflow.Mapping, len(mapping))
	for i, m := range mapping {
		out[i] = workflow.MappingEntry{Target: prefix + "." + m.Target, Source: m.Source}
	}
	return out
}

// prefixSources rewrites a Mapping's Source paths to live under prefix,
// so OutputMapping rules (authored against the action's own result
// shape) read from the step's output scratch document.
func prefixSources(mapping workflow.Mapping, prefix string) workflow.Mapping {
	out := make(workflow.Mapping, len(mapping))
	for i, m := range mapping {
		out[i] = workflow.MappingEntry{Target: m.Target, Source: prefix + "." + m.Source}
	}
	return out
}

func (e *Executor) schemaFor(ref, version, kind string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	key := ref + "@" + version + "/" + kind
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.schemaCache[key]; ok {
		return s, nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("task %s: compiling %s schema: %w", ref, kind, err)
	}
	e.schemaCache[key] = compiled
	return compiled, nil
}

func sleepBackoff(ctx context.Context, retry *workflow.RetryPolicy, attempt int) error {
	delay := backoffDelay(retry, attempt)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "retry backoff interrupted", ctx.Err())
	case <-timer.C:
		return nil
	}
}

const maxBackoff = 60 * time.Second

func backoffDelay(retry *workflow.RetryPolicy, attempt int) time.Duration {
	if retry == nil {
		return 0
	}
	base := time.Duration(retry.InitialDelayMs) * time.Millisecond
	var delay time.Duration
	switch retry.Backoff {
	case workflow.BackoffLinear:
		delay = base * time.Duration(attempt)
	case workflow.BackoffExponential:
		delay = base * time.Duration(uint64(1)<<uint(attempt-1))
	default:
		delay = base
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
