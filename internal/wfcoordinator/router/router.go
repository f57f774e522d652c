// Package router implements the Router & Synchronizer (spec §4.5): Step A
// candidate transition selection out of a completed node, Step B fan-out
// spawning and fan-in barrier evaluation/merge, and the barrier
// bookkeeping a Run Actor consults for Step C termination detection.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/ctxstore"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/token"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// SelectTransition implements Step A: pick the highest-priority outgoing
// transition out of nodeRef whose condition (if any) evaluates true
// against view. Transitions are already sorted by the Definition Loader
// (descending priority, ascending ref). A transition with an empty
// Condition always matches, acting as the default/fallback edge. Returns
// nil, nil when no transition matches — the caller treats that as the
// node's path terminating.
func SelectTransition(def *workflow.Definition, nodeRef string, eval *condition.Evaluator, view condition.View) (*workflow.Transition, error) {
	for _, t := range def.OutgoingFrom(nodeRef) {
		if t.Condition == "" {
			return t, nil
		}
		matched, err := eval.Eval(t.Condition, view)
		if err != nil {
			return nil, errs.Wrap(errs.KindConditionFailed, fmt.Sprintf("transition %s condition", t.Ref), err)
		}
		if matched {
			return t, nil
		}
	}
	return nil, nil
}

// ResolveSpawnCount determines how many sibling tokens a fan-out
// transition produces: a fixed SpawnCount, or the length of the
// collection named by ForEach.Collection read from view (spec §4.3).
func ResolveSpawnCount(t *workflow.Transition, view condition.View) (int, error) {
	if t.SpawnCount != nil {
		if *t.SpawnCount < 0 {
			return 0, fmt.Errorf("transition %s: spawnCount must be >= 0", t.Ref)
		}
		return *t.SpawnCount, nil
	}
	if t.ForEach != nil {
		coll, ok := lookupPath(view, t.ForEach.Collection)
		if !ok {
			return 0, fmt.Errorf("transition %s: foreach collection %q not found", t.Ref, t.ForEach.Collection)
		}
		items, ok := coll.([]any)
		if !ok {
			return 0, fmt.Errorf("transition %s: foreach collection %q is not an array", t.Ref, t.ForEach.Collection)
		}
		return len(items), nil
	}
	return 1, nil
}

func lookupPath(view condition.View, path string) (any, bool) {
	root := view.AsMap()
	parts := splitDotted(path)
	if len(parts) == 0 {
		return nil, false
	}
	cur, ok := root[parts[0]]
	if !ok {
		return nil, false
	}
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitDotted(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

// Barrier tracks arrivals for one fan-in synchronization point (spec
// §4.5 Step B). Expected is the sibling count the originating fan-out
// spawned; it may be unknown (0) until the first arrival supplies it via
// SetExpected, since a foreach-driven fan-out's size is only known once
// the source collection has been read.
type Barrier struct {
	SiblingGroup string
	Strategy     workflow.SyncStrategy
	M            int
	Expected     int
	Arrived      map[string]bool
	Fired        bool
}

// Arrive records tokenID's arrival at the barrier.
func (b *Barrier) Arrive(tokenID string) {
	if b.Arrived == nil {
		b.Arrived = make(map[string]bool)
	}
	b.Arrived[tokenID] = true
}

// ArrivedTokenIDs returns the recorded arrivals in deterministic order.
func (b *Barrier) ArrivedTokenIDs() []string {
	ids := make([]string, 0, len(b.Arrived))
	for id := range b.Arrived {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ShouldFire reports whether the barrier's firing condition is met and it
// hasn't already fired (spec §4.5: a barrier fires exactly once).
func (b *Barrier) ShouldFire() (bool, error) {
	if b.Fired {
		return false, nil
	}
	switch b.Strategy {
	case workflow.StrategyAll:
		// Expected == 0 with no arrivals fires vacuously (spec §8
		// boundary: spawnCount=0 fires immediately with empty arrivals).
		return len(b.Arrived) >= b.Expected, nil
	case workflow.StrategyAny:
		return len(b.Arrived) >= 1, nil
	case workflow.StrategyMofN:
		if b.M < 1 {
			return false, fmt.Errorf("sibling group %s: m_of_n requires m >= 1", b.SiblingGroup)
		}
		return len(b.Arrived) >= b.M, nil
	default:
		return false, fmt.Errorf("sibling group %s: unknown synchronization strategy %q", b.SiblingGroup, b.Strategy)
	}
}

// Tracker owns every live Barrier for one run.
type Tracker struct {
	mu       sync.Mutex
	barriers map[string]*Barrier
}

// NewTracker creates an empty barrier Tracker.
func NewTracker() *Tracker {
	return &Tracker{barriers: make(map[string]*Barrier)}
}

// GetOrCreate returns the Barrier for siblingGroup, creating it on first
// reference. expected may be 0 if not yet known; SetExpected updates it
// once a fan-out's sibling count becomes known.
func (tr *Tracker) GetOrCreate(group string, strategy workflow.SyncStrategy, m, expected int) *Barrier {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b, ok := tr.barriers[group]
	if !ok {
		b = &Barrier{SiblingGroup: group, Strategy: strategy, M: m, Expected: expected}
		tr.barriers[group] = b
	} else if b.Expected == 0 && expected > 0 {
		b.Expected = expected
	}
	return b
}

// MarkFired flips a barrier's Fired flag so it never fires twice.
func (tr *Tracker) MarkFired(group string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if b, ok := tr.barriers[group]; ok {
		b.Fired = true
	}
}

// ApplyMerge combines each arriving sibling's contribution into the
// target path the Synchronization's Merge rules name (spec §4.5). The
// arrivals slice should be the full sibling cohort in deterministic
// (token-ID) order so a "first"/"last" merge strategy is reproducible.
func ApplyMerge(store *ctxstore.Store, sync *workflow.Synchronization, arrivals []*token.Token) error {
	for _, m := range sync.Merge {
		var values []any
		for _, tok := range arrivals {
			v, ok := store.GetForToken(m.Source, tok.ID)
			if !ok {
				continue
			}
			values = append(values, v)
		}
		merged, undefined, err := combine(m.Strategy, values)
		if err != nil {
			return errs.Wrap(errs.KindMergeType, fmt.Sprintf("merge into %s", m.Target), err)
		}
		if undefined {
			// spec §8: last/first over zero arrivals is permitted to leave
			// the target path untouched rather than fail the run.
			continue
		}
		if err := store.Set(m.Target, merged); err != nil {
			return fmt.Errorf("merge target %q: %w", m.Target, err)
		}
	}
	return nil
}

// combine reduces one merge rule's collected values. The bool return
// reports "undefined" (spec §8: last/first over zero arrivals), which the
// caller treats as a no-op write rather than an error.
func combine(strategy workflow.MergeStrategy, values []any) (any, bool, error) {
	switch strategy {
	case workflow.MergeAppend:
		if values == nil {
			return []any{}, false, nil
		}
		return values, false, nil

	case workflow.MergeConcat:
		var out []any
		for _, v := range values {
			if arr, ok := v.([]any); ok {
				out = append(out, arr...)
			} else {
				out = append(out, v)
			}
		}
		if out == nil {
			out = []any{}
		}
		return out, false, nil

	case workflow.MergeLast:
		if len(values) == 0 {
			return nil, true, nil
		}
		return values[len(values)-1], false, nil

	case workflow.MergeFirst:
		if len(values) == 0 {
			return nil, true, nil
		}
		return values[0], false, nil

	case workflow.MergeSum:
		var sum float64
		for _, v := range values {
			f, ok := v.(float64)
			if !ok {
				return nil, false, fmt.Errorf("sum merge requires numeric values, got %T", v)
			}
			sum += f
		}
		return sum, false, nil

	case workflow.MergeSet:
		seen := make(map[string]bool)
		var out []any
		for _, v := range values {
			key := fmt.Sprintf("%v", v)
			if !seen[key] {
				seen[key] = true
				out = append(out, v)
			}
		}
		if out == nil {
			out = []any{}
		}
		return out, false, nil

	default:
		return nil, false, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}
