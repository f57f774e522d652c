// Package workflow defines the frozen-graph data model (spec §3): workflow
// definitions, nodes, tasks, steps, actions and transitions. Types here are
// plain JSON-shaped values — the Definition Loader is the only component
// that constructs a Definition; every other component treats it as a
// read-only, arena-indexed graph (spec §9).
package workflow

// RetryBackoff selects the delay strategy between step retries (spec §4.4).
type RetryBackoff string

const (
	BackoffNone        RetryBackoff = "none"
	BackoffLinear      RetryBackoff = "linear"
	BackoffExponential RetryBackoff = "exponential"
)

// StepFailureMode controls what happens when a step's action exhausts
// retries or returns a fatal error (spec §4.4).
type StepFailureMode string

const (
	OnFailureAbort    StepFailureMode = "abort"
	OnFailureRetry    StepFailureMode = "retry"
	OnFailureContinue StepFailureMode = "continue"
)

// ConditionAction is the effect of a step condition branch (spec §3, §4.4).
type ConditionAction string

const (
	ActionContinue ConditionAction = "continue"
	ActionSkip     ConditionAction = "skip"
	ActionSucceed  ConditionAction = "succeed"
	ActionFail     ConditionAction = "fail"
)

// SyncStrategy is a fan-in barrier's firing/merge rule (spec §3, §4.5).
type SyncStrategy string

const (
	StrategyAll  SyncStrategy = "all"
	StrategyAny  SyncStrategy = "any"
	StrategyMofN SyncStrategy = "m_of_n"
)

// MergeStrategy combines one arrival's source value into the barrier's
// target path (spec §4.5).
type MergeStrategy string

const (
	MergeAppend MergeStrategy = "append"
	MergeConcat MergeStrategy = "concat"
	MergeLast   MergeStrategy = "last"
	MergeFirst  MergeStrategy = "first"
	MergeSum    MergeStrategy = "sum"
	MergeSet    MergeStrategy = "set"
)

// ActionKind enumerates the action implementations an Action Executor may
// dispatch on (spec §3). The coordinator ships mock and http; the rest are
// recognized tags for an injected executor to handle.
type ActionKind string

const (
	ActionLLM      ActionKind = "llm"
	ActionMCP      ActionKind = "mcp"
	ActionHTTP     ActionKind = "http"
	ActionHuman    ActionKind = "human"
	ActionContext  ActionKind = "context"
	ActionArtifact ActionKind = "artifact"
	ActionVector   ActionKind = "vector"
	ActionMetric   ActionKind = "metric"
	ActionMock     ActionKind = "mock"
)

// Mapping is an ordered set of target-path → source-expression pairs
// (spec §4.2 applyMapping). Ordered so that deterministic lexicographic
// application (by target path) is reproducible; the slice preserves
// declaration order but ctxstore.Store.ApplyMapping re-sorts by target.
type Mapping []MappingEntry

// MappingEntry is one `target ← source` pair in a Mapping.
type MappingEntry struct {
	Target string `json:"target"`
	Source string `json:"source"`
}

// Action is a single invokable unit (spec §3). Implementation is an opaque
// blob interpreted by the Action Executor keyed on Kind.
type Action struct {
	Ref            string         `json:"ref"`
	Version        string         `json:"version"`
	Kind           ActionKind     `json:"kind"`
	Implementation map[string]any `json:"implementation,omitempty"`
	Requires       map[string]any `json:"requires,omitempty"`
	Produces       map[string]any `json:"produces,omitempty"`
}

// StepCondition gates whether/how a step's action runs (spec §3, §4.4).
type StepCondition struct {
	If   string          `json:"if"`
	Then ConditionAction `json:"then"`
	Else ConditionAction `json:"else"`
}

// Step is one ordinal position within a task's execution (spec §3).
type Step struct {
	Ref           string          `json:"ref"`
	Ordinal       int             `json:"ordinal"`
	Action        Action          `json:"action"`
	InputMapping  Mapping         `json:"inputMapping,omitempty"`
	OutputMapping Mapping         `json:"outputMapping,omitempty"`
	OnFailure     StepFailureMode `json:"onFailure"`
	Condition     *StepCondition  `json:"condition,omitempty"`
}

// RetryPolicy governs task-level retry of a failed step chain (spec §3).
type RetryPolicy struct {
	MaxAttempts    int          `json:"maxAttempts"`
	Backoff        RetryBackoff `json:"backoff"`
	InitialDelayMs int          `json:"initialDelayMs"`
}

// TaskDef is the unit of work a node executes (spec §3).
type TaskDef struct {
	Ref          string         `json:"ref"`
	Version      string         `json:"version"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Steps        []Step         `json:"steps"`
	Retry        *RetryPolicy   `json:"retry,omitempty"`
	TimeoutMs    int            `json:"timeoutMs"`
}

// Node is a vertex in the workflow graph (spec §3).
type Node struct {
	Ref              string         `json:"ref"`
	Task             TaskDef        `json:"task"`
	InputMapping     Mapping        `json:"inputMapping,omitempty"`
	OutputMapping    Mapping        `json:"outputMapping,omitempty"`
	ResourceBindings map[string]any `json:"resourceBindings,omitempty"`
}

// ForEach drives a fan-out transition's spawn count from a collection in
// context (spec §3).
type ForEach struct {
	Collection string `json:"collection"`
	ItemVar    string `json:"itemVar"`
}

// SyncMerge describes one source→target combination rule applied when a
// fan-in barrier fires (spec §3, §4.5).
type SyncMerge struct {
	Source   string        `json:"source"`
	Target   string        `json:"target"`
	Strategy MergeStrategy `json:"strategy"`
}

// Synchronization marks a transition as a fan-in barrier (spec §3).
type Synchronization struct {
	Strategy     SyncStrategy `json:"strategy"`
	SiblingGroup string       `json:"siblingGroup"`
	M            int          `json:"m,omitempty"` // parameter for m_of_n
	Merge        []SyncMerge  `json:"merge"`
}

// Transition is a directed, optionally conditional, optionally fan-out or
// fan-in edge (spec §3).
type Transition struct {
	Ref             string           `json:"ref"`
	FromNodeRef     string           `json:"fromNodeRef"`
	ToNodeRef       string           `json:"toNodeRef"`
	Priority        int              `json:"priority"`
	Condition       string           `json:"condition,omitempty"`
	SpawnCount      *int             `json:"spawnCount,omitempty"`
	ForEach         *ForEach         `json:"foreach,omitempty"`
	Synchronization *Synchronization `json:"synchronization,omitempty"`
	SiblingGroup    string           `json:"siblingGroup,omitempty"`
}

// IsFanOut reports whether the transition spawns more than one sibling.
func (t *Transition) IsFanOut() bool {
	return t.SpawnCount != nil || t.ForEach != nil
}

// IsFanIn reports whether the transition is a synchronization barrier.
func (t *Transition) IsFanIn() bool {
	return t.Synchronization != nil
}

// Definition is the frozen, versioned workflow graph (spec §3). Only the
// Definition Loader constructs one; it is treated as immutable thereafter.
type Definition struct {
	Kind           string                 `json:"kind"` // always "workflow"
	Reference      string                 `json:"reference"`
	Version        string                 `json:"version"`
	InputSchema    map[string]any         `json:"inputSchema,omitempty"`
	StateSchema    map[string]any         `json:"stateSchema,omitempty"`
	OutputSchema   map[string]any         `json:"outputSchema,omitempty"`
	OutputMapping  Mapping                `json:"outputMapping,omitempty"`
	InitialNodeRef string                 `json:"initialNodeRef"`
	Nodes          map[string]*Node       `json:"nodes"`
	Transitions    map[string]*Transition `json:"transitions"`

	// outByNode indexes outgoing transitions per node ref, ordered by
	// descending priority then ascending ref (spec §4.5 Step A), computed
	// once at freeze time.
	outByNode map[string][]*Transition
}

// OutgoingFrom returns the transitions leaving nodeRef, pre-sorted by
// descending priority and ascending ref for tie-breaking (spec §4.5).
func (d *Definition) OutgoingFrom(nodeRef string) []*Transition {
	return d.outByNode[nodeRef]
}

// FreezeIndex computes derived lookup structures. Called once by the
// Definition Loader before a Definition is handed out; never by any other
// component.
func (d *Definition) FreezeIndex() {
	byNode := make(map[string][]*Transition)
	for _, t := range d.Transitions {
		byNode[t.FromNodeRef] = append(byNode[t.FromNodeRef], t)
	}
	for nodeRef, ts := range byNode {
		sortTransitions(ts)
		byNode[nodeRef] = ts
	}
	d.outByNode = byNode
}

func sortTransitions(ts []*Transition) {
	// Insertion sort: graphs are small (single workflow), and determinism
	// matters more than asymptotic behavior here.
	for i := 1; i < len(ts); i++ {
		j := i
		for j > 0 && less(ts[j], ts[j-1]) {
			ts[j], ts[j-1] = ts[j-1], ts[j]
			j--
		}
	}
}

// less orders by descending priority, ties broken by ascending ref
// (spec §4.5 Step A).
func less(a, b *Transition) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Ref < b.Ref
}
