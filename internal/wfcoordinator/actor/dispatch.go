package actor

import (
	"context"
	"fmt"
	"sort"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/errs"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/metrics"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/router"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/token"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// Scratch path a node's InputMapping stages into before the executor
// reads it, mirroring the executor package's own step-level scratch
// paths (taskInputScratchPath et al.) one level up the call chain.
const nodeInputScratchPath = "_branch.__nodeInput"

// dispatch submits tok's node for execution on the worker pool. Every
// call increments pendingResults exactly once; buildNodeInput failures
// are delivered back through the same resultMsg path as a real dispatch
// failure so handleResult has one code path for both.
func (a *Actor) dispatch(ctx context.Context, tok *token.Token) {
	node, ok := a.def.Nodes[tok.NodeRef]
	if !ok {
		a.failRun(errs.KindInternalInvariant, fmt.Sprintf("token %s at unknown node %s", tok.ID, tok.NodeRef), nil)
		_ = a.tokens.Consume(ctx, tok.ID)
		return
	}

	rec := a.records[tok.ID]
	rec.phase = phaseDispatched
	a.pendingResults++
	a.log.Append(events.TypeNodeStarted, tok.NodeRef, tok.ID, nil)

	input, err := a.buildNodeInput(node, tok.ID)
	if err != nil {
		a.submitResult(resultMsg{tokenID: tok.ID, err: errs.Wrap(errs.KindMapping, fmt.Sprintf("node %s input mapping", tok.NodeRef), err)})
		return
	}

	rec.phase = phaseExecuting
	runner, store, task := a.exec, a.store, &node.Task
	a.pool.Submit(func() {
		outcome, err := runner.RunTask(ctx, task, input, store, tok.ID)
		a.submitResult(resultMsg{tokenID: tok.ID, outcome: outcome, err: err})
	})
}

func (a *Actor) buildNodeInput(node *workflow.Node, tokenID string) (map[string]any, error) {
	if err := a.store.SetForToken(nodeInputScratchPath, map[string]any{}, tokenID); err != nil {
		return nil, err
	}
	if len(node.InputMapping) > 0 {
		if err := a.store.ApplyMapping(prefixTargets(node.InputMapping, nodeInputScratchPath), tokenID); err != nil {
			return nil, err
		}
	}
	v, ok := a.store.GetForToken(nodeInputScratchPath, tokenID)
	if !ok {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("node %s input mapping did not produce an object", node.Ref)
	}
	return m, nil
}

// prefixTargets rewrites a Mapping's Target paths to live under prefix,
// the same trick the executor package uses to stage a private scratch
// document for a mapping authored against plain field names.
func prefixTargets(mapping workflow.Mapping, prefix string) workflow.Mapping {
	out := make(workflow.Mapping, len(mapping))
	for i, m := range mapping {
		out[i] = workflow.MappingEntry{Target: prefix + "." + m.Target, Source: m.Source}
	}
	return out
}

func (a *Actor) submitResult(msg resultMsg) {
	select {
	case a.inbox <- msg:
	case <-a.closed:
	}
}

// handleResult applies one node's outcome: on failure it records the
// classified error and retires the token; on success it folds the
// node's OutputMapping into context and routes the token onward (spec
// §4.4, §4.5 Step A).
func (a *Actor) handleResult(ctx context.Context, m resultMsg) {
	a.pendingResults--

	rec, ok := a.records[m.tokenID]
	if !ok || isTerminalPhase(rec.phase) {
		a.log.Append(events.TypeLateResult, "", m.tokenID, map[string]any{"reason": "token already terminal"})
		return
	}

	if m.err != nil {
		kind := errs.KindOf(m.err)
		rec.phase = phaseFailed
		if kind == errs.KindTimedOut {
			rec.phase = phaseTimedOut
		}
		_ = a.tokens.Consume(ctx, m.tokenID)
		a.store.DropBranch(m.tokenID)
		a.recordFailure(kind, m.err.Error(), rec.nodeRef, m.tokenID)
		a.log.Append(events.TypeNodeFailed, rec.nodeRef, m.tokenID, map[string]any{"kind": string(kind), "message": m.err.Error()})
		a.adjustCohortForFailure(rec)
		a.maybeSnapshot(false)
		return
	}

	rec.phase = phaseCompleted
	a.log.Append(events.TypeNodeCompleted, rec.nodeRef, m.tokenID, metrics.GetSystemInfo().ToMap())

	node := a.def.Nodes[rec.nodeRef]
	if len(node.OutputMapping) > 0 {
		if err := a.store.ApplyMapping(node.OutputMapping, m.tokenID); err != nil {
			a.failRun(errs.KindMapping, fmt.Sprintf("node %s output mapping", rec.nodeRef), err)
			_ = a.tokens.Consume(ctx, m.tokenID)
			a.store.DropBranch(m.tokenID)
			a.maybeSnapshot(false)
			return
		}
		a.writesSinceSnapshot += len(node.OutputMapping)
		a.log.Append(events.TypeContextFieldSet, rec.nodeRef, m.tokenID, map[string]any{"mapping": "node.outputMapping"})
	}

	a.route(ctx, rec)
	a.maybeSnapshot(false)
}

// adjustCohortForFailure lowers a sibling group's expected-arrivals count
// when one of its members fails (spec §8: failed tokens never contribute
// to a fan-in merge, and the barrier's expected count shrinks so all/
// m_of_n can still fire over the survivors). Without fault-handling
// transitions any node failure also dooms the whole run, so this
// bookkeeping exists purely so a surviving sibling's arrival doesn't
// wait forever on one that won't come.
func (a *Actor) adjustCohortForFailure(rec *tokenRecord) {
	group := rec.tok.SiblingGroup
	if group == "" {
		return
	}
	cohort := a.cohorts[group]
	if cohort == nil {
		return
	}
	cohort.expected--
	if cohort.barrier != nil && !cohort.barrier.Fired {
		cohort.barrier.Expected = cohort.expected
		if cohort.barrier.Strategy == workflow.StrategyMofN && cohort.expected < cohort.barrier.M {
			a.failRun(errs.KindMergeType, fmt.Sprintf("sibling group %s: insufficient survivors for m_of_n barrier", group), nil)
		}
	}
}

// route implements Step A/B: select the highest-priority matching
// transition out of the node rec's token just completed, then dispatch
// it as a plain move, a fan-out spawn, or a fan-in arrival.
func (a *Actor) route(ctx context.Context, rec *tokenRecord) {
	view := a.store.ViewForToken(rec.tok.ID)
	a.log.Append(events.TypeRoutingStarted, rec.nodeRef, rec.tok.ID, nil)

	t, err := router.SelectTransition(a.def, rec.nodeRef, a.eval, view)
	if err != nil {
		a.failRun(errs.KindOf(err), fmt.Sprintf("routing from %s", rec.nodeRef), err)
		_ = a.tokens.Consume(ctx, rec.tok.ID)
		a.store.DropBranch(rec.tok.ID)
		return
	}
	if t == nil {
		_ = a.tokens.Consume(ctx, rec.tok.ID)
		a.store.DropBranch(rec.tok.ID)
		a.log.Append(events.TypeRoutingCompleted, rec.nodeRef, rec.tok.ID, map[string]any{"result": "terminal"})
		return
	}
	a.log.Append(events.TypeRoutingCompleted, rec.nodeRef, rec.tok.ID, map[string]any{"transition": t.Ref})

	switch {
	case t.IsFanIn():
		a.recordArrival(ctx, rec, t)
	case t.IsFanOut():
		a.spawnFanOut(ctx, rec, t, view)
	default:
		a.plainTransition(ctx, rec, t)
	}
}

func (a *Actor) plainTransition(ctx context.Context, rec *tokenRecord, t *workflow.Transition) {
	child, err := a.tokens.Transition(ctx, rec.tok, t.ToNodeRef)
	if err != nil {
		a.failRun(errs.KindInternalInvariant, fmt.Sprintf("transition %s", t.Ref), err)
		return
	}
	a.store.ForkBranch(rec.tok.ID, child.ID)
	a.store.DropBranch(rec.tok.ID)
	a.recordToken(child, rec.branchIndex, rec.branchTotal)
	a.log.Append(events.TypeTokenCreated, child.NodeRef, child.ID, map[string]any{"parentTokenId": rec.tok.ID})
	a.dispatch(ctx, child)
}

// spawnFanOut implements Step B's fan-out half: it resolves spawnCount,
// stamps a composite sibling-group key combining the fan-out parent's
// token ID with the transition ref (so two unrelated fan-outs that
// happen to declare the same siblingGroup name in different branches of
// a nested fan-out never collide), and creates one child per spawn.
//
// A resolved count of zero is a defined boundary (spec §8): no children
// are created, and the matching fan-in fires immediately with empty
// arrivals rather than ever being reached by a token.
func (a *Actor) spawnFanOut(ctx context.Context, rec *tokenRecord, t *workflow.Transition, view condition.View) {
	n, err := router.ResolveSpawnCount(t, view)
	if err != nil {
		a.failRun(errs.KindInternalInvariant, fmt.Sprintf("fan-out %s", t.Ref), err)
		return
	}
	if n > a.cfg.MaxFanout {
		a.failRun(errs.KindInternalInvariant, fmt.Sprintf("fan-out %s: spawn count %d exceeds limit %d", t.Ref, n, a.cfg.MaxFanout), nil)
		return
	}

	group := fanOutGroupKey(rec.tok.ID, t.Ref)

	if n == 0 {
		a.resolveEmptyFanOut(ctx, rec, t, group)
		return
	}

	var items []any
	if t.ForEach != nil {
		if coll, ok := a.store.GetForToken(t.ForEach.Collection, rec.tok.ID); ok {
			items, _ = coll.([]any)
		}
	}

	a.cohorts[group] = &siblingCohort{fanOutParentID: rec.tok.ID, expected: n}

	toNodeRefs := make([]string, n)
	for i := range toNodeRefs {
		toNodeRefs[i] = t.ToNodeRef
	}
	children, err := a.tokens.FanOut(ctx, rec.tok, toNodeRefs, group)
	if err != nil {
		a.failRun(errs.KindInternalInvariant, fmt.Sprintf("fan-out %s", t.Ref), err)
		return
	}

	for i, child := range children {
		a.store.ForkBranch(rec.tok.ID, child.ID)
		if t.ForEach != nil && i < len(items) {
			_ = a.store.SetForToken("_branch."+t.ForEach.ItemVar, items[i], child.ID)
		}
		a.recordToken(child, i, n)
		a.log.Append(events.TypeTokenCreated, child.NodeRef, child.ID, map[string]any{
			"parentTokenId": rec.tok.ID,
			"branchIndex":   i,
		})
	}
	a.store.DropBranch(rec.tok.ID)
	a.log.Append(events.TypeFanOutSpawned, t.ToNodeRef, rec.tok.ID, map[string]any{"count": n, "siblingGroup": group})

	for _, child := range children {
		a.dispatch(ctx, child)
	}
}

// resolveEmptyFanOut handles the spawnCount=0 boundary: since no child
// token will ever reach a fan-in transition to trigger it, the matching
// fan-in (found by its declared siblingGroup name against the fan-out
// transition's own declared name) is resolved right here, synchronously.
func (a *Actor) resolveEmptyFanOut(ctx context.Context, rec *tokenRecord, t *workflow.Transition, group string) {
	_ = a.tokens.Consume(ctx, rec.tok.ID)
	a.log.Append(events.TypeFanOutSpawned, t.ToNodeRef, rec.tok.ID, map[string]any{"count": 0, "siblingGroup": group})

	fanIn := a.findFanInFor(t.SiblingGroup)
	if fanIn == nil {
		a.store.DropBranch(rec.tok.ID)
		return
	}

	if err := router.ApplyMerge(a.store, fanIn.Synchronization, nil); err != nil {
		a.failRun(errs.KindMergeType, fmt.Sprintf("fan-in %s merge", fanIn.Ref), err)
		return
	}
	a.log.Append(events.TypeFanInFired, fanIn.ToNodeRef, "", map[string]any{"siblingGroup": t.SiblingGroup, "arrivals": 0})

	cont, err := a.tokens.Continue(ctx, rec.tok.ID, fanIn.ToNodeRef)
	if err != nil {
		a.failRun(errs.KindInternalInvariant, fmt.Sprintf("fan-in %s continuation", fanIn.Ref), err)
		return
	}
	a.store.DropBranch(rec.tok.ID)
	a.recordToken(cont, 0, 1)
	a.log.Append(events.TypeTokenCreated, cont.NodeRef, cont.ID, map[string]any{"parentTokenId": rec.tok.ID})
	a.dispatch(ctx, cont)
}

func (a *Actor) findFanInFor(declaredGroup string) *workflow.Transition {
	var matches []*workflow.Transition
	for _, t := range a.def.Transitions {
		if t.Synchronization != nil && t.Synchronization.SiblingGroup == declaredGroup {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Ref < matches[j].Ref })
	return matches[0]
}

// recordArrival implements Step B's fan-in half: it registers rec's
// token as an arrival at its barrier, retires the token (spec §8: an
// absorbed arrival's terminal phase for bookkeeping purposes is
// waiting_at_fan_in, but the Token Manager considers it consumed so
// termination detection isn't blocked on a barrier that may never fire
// again), and fires the barrier exactly once enough arrivals accumulate.
func (a *Actor) recordArrival(ctx context.Context, rec *tokenRecord, t *workflow.Transition) {
	group := rec.tok.SiblingGroup
	if group == "" {
		a.failRun(errs.KindInternalInvariant, fmt.Sprintf("token %s reached fan-in %s without a sibling group", rec.tok.ID, t.Ref), nil)
		_ = a.tokens.Consume(ctx, rec.tok.ID)
		return
	}

	cohort := a.cohorts[group]
	expected := 0
	if cohort != nil {
		expected = cohort.expected
	}
	barrier := a.barriers.GetOrCreate(group, t.Synchronization.Strategy, t.Synchronization.M, expected)
	if cohort != nil {
		cohort.barrier = barrier
	}
	barrier.Arrive(rec.tok.ID)
	rec.phase = phaseWaitingFanIn
	_ = a.tokens.Consume(ctx, rec.tok.ID)
	a.log.Append(events.TypeFanInArrival, t.ToNodeRef, rec.tok.ID, map[string]any{"siblingGroup": group})

	fire, err := barrier.ShouldFire()
	if err != nil {
		a.failRun(errs.KindMergeType, fmt.Sprintf("barrier %s", group), err)
		return
	}
	if !fire {
		if barrier.Fired {
			a.log.Append(events.TypeFanInLateArrival, t.ToNodeRef, rec.tok.ID, map[string]any{"siblingGroup": group})
		}
		return
	}
	a.barriers.MarkFired(group)

	arrivals := a.orderedArrivals(barrier)

	if err := router.ApplyMerge(a.store, t.Synchronization, arrivals); err != nil {
		a.failRun(errs.KindMergeType, fmt.Sprintf("fan-in %s merge", t.Ref), err)
		return
	}
	a.writesSinceSnapshot += len(t.Synchronization.Merge)
	a.log.Append(events.TypeFanInFired, t.ToNodeRef, "", map[string]any{"siblingGroup": group, "arrivals": len(arrivals)})

	parentID := rec.tok.ID
	if cohort != nil {
		parentID = cohort.fanOutParentID
	}
	for _, arrival := range arrivals {
		a.store.DropBranch(arrival.ID)
	}

	cont, err := a.tokens.Continue(ctx, parentID, t.ToNodeRef)
	if err != nil {
		a.failRun(errs.KindInternalInvariant, fmt.Sprintf("fan-in %s continuation", t.Ref), err)
		return
	}
	a.recordToken(cont, 0, 1)
	a.log.Append(events.TypeTokenCreated, cont.NodeRef, cont.ID, map[string]any{"parentTokenId": parentID})
	a.maybeSnapshot(true)
	a.dispatch(ctx, cont)
}

// orderedArrivals returns a barrier's arrived tokens sorted by ascending
// branch index (spec §4.5: deterministic arrival order for first/last
// merges), not by token ID — token IDs are allocated in creation order
// but sort lexicographically ("run-tok-10" < "run-tok-2"), which would
// silently scramble ordering once a run produces more than nine tokens.
func (a *Actor) orderedArrivals(barrier *router.Barrier) []*token.Token {
	ids := barrier.ArrivedTokenIDs()
	arrivals := make([]*token.Token, 0, len(ids))
	for _, id := range ids {
		if tok, ok := a.tokens.Get(id); ok {
			arrivals = append(arrivals, tok)
		}
	}
	sort.Slice(arrivals, func(i, j int) bool {
		ri, rj := a.records[arrivals[i].ID], a.records[arrivals[j].ID]
		bi, bj := 0, 0
		if ri != nil {
			bi = ri.branchIndex
		}
		if rj != nil {
			bj = rj.branchIndex
		}
		return bi < bj
	})
	return arrivals
}
