// Package definition implements the Definition Loader (spec §4.1): it
// resolves a (kind, reference, version) triple into a validated, frozen
// workflow.Definition and rejects graphs with structural defects —
// unreachable nodes, dangling transition endpoints, orphaned sibling
// groups, malformed merge paths — before any run is ever created
// against them.
package definition

import (
	"context"
	"fmt"
	"sort"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// Source resolves raw definitions by reference, analogous to the spec's
// Resource Service resolveDefinition. Kept as its own narrow interface so
// the loader doesn't depend on the full resource.Service surface.
type Source interface {
	ResolveRaw(ctx context.Context, kind, reference string, version *string) (*workflow.Definition, error)
}

// Logger is the narrow logging surface the loader needs.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
}

// Loader resolves and validates workflow definitions, caching frozen
// results by (reference, version) so repeated runs against the same
// version skip re-validation.
type Loader struct {
	source Source
	logger Logger
	cache  map[string]*workflow.Definition
}

// New creates a Definition Loader backed by source.
func New(source Source, logger Logger) *Loader {
	return &Loader{
		source: source,
		logger: logger,
		cache:  make(map[string]*workflow.Definition),
	}
}

// Load resolves (kind, reference, version) into a frozen, validated
// Definition. version == nil means "latest" (spec §6 resolveDefinition).
func (l *Loader) Load(ctx context.Context, kind, reference string, version *string) (*workflow.Definition, error) {
	cacheKey := reference
	if version != nil {
		cacheKey = reference + "@" + *version
		if d, ok := l.cache[cacheKey]; ok {
			return d, nil
		}
	}

	def, err := l.source.ResolveRaw(ctx, kind, reference, version)
	if err != nil {
		return nil, fmt.Errorf("resolve definition %s@%v: %w", reference, version, err)
	}

	if err := Validate(def); err != nil {
		return nil, fmt.Errorf("invalid workflow definition %s@%s: %w", def.Reference, def.Version, err)
	}

	def.FreezeIndex()

	if version != nil {
		l.cache[cacheKey] = def
	}
	l.logger.Info("definition loaded",
		"reference", def.Reference, "version", def.Version, "nodes", len(def.Nodes))
	return def, nil
}

// StorePatched registers a definition materialized by Patch (not fetched
// through Source) into the loader's cache, so subsequent Load calls for
// def.Reference@def.Version return it without round-tripping through the
// Resource Service that never received the patched version directly.
func (l *Loader) StorePatched(def *workflow.Definition) {
	l.cache[def.Reference+"@"+def.Version] = def
	l.logger.Info("patched definition stored", "reference", def.Reference, "version", def.Version)
}

// Validate checks the structural invariants spec §4.1 requires before a
// graph may back any run. It never mutates def.
func Validate(def *workflow.Definition) error {
	if def.InitialNodeRef == "" {
		return fmt.Errorf("missing initialNodeRef")
	}
	if _, ok := def.Nodes[def.InitialNodeRef]; !ok {
		return fmt.Errorf("initialNodeRef %q does not reference a declared node", def.InitialNodeRef)
	}

	if err := validateTransitionEndpoints(def); err != nil {
		return err
	}
	if err := validateReachability(def); err != nil {
		return err
	}
	if err := validateSiblingGroups(def); err != nil {
		return err
	}
	if err := validateMergePaths(def); err != nil {
		return err
	}
	if err := validateOutputMappingTargets(def.OutputMapping, "state.", "output."); err != nil {
		return fmt.Errorf("definition outputMapping: %w", err)
	}
	for ref, n := range def.Nodes {
		if err := validateOutputMappingTargets(n.OutputMapping, "state.", "output."); err != nil {
			return fmt.Errorf("node %s outputMapping: %w", ref, err)
		}
		if err := validateConditions(n); err != nil {
			return fmt.Errorf("node %s: %w", ref, err)
		}
	}
	return nil
}

func validateTransitionEndpoints(def *workflow.Definition) error {
	for ref, t := range def.Transitions {
		if _, ok := def.Nodes[t.FromNodeRef]; !ok {
			return fmt.Errorf("transition %s: fromNodeRef %q not declared", ref, t.FromNodeRef)
		}
		if _, ok := def.Nodes[t.ToNodeRef]; !ok {
			return fmt.Errorf("transition %s: toNodeRef %q not declared", ref, t.ToNodeRef)
		}
	}
	return nil
}

// validateReachability rejects a graph containing a node unreachable from
// initialNodeRef (spec §4.1).
func validateReachability(def *workflow.Definition) error {
	adj := make(map[string][]string)
	for _, t := range def.Transitions {
		adj[t.FromNodeRef] = append(adj[t.FromNodeRef], t.ToNodeRef)
	}

	visited := map[string]bool{def.InitialNodeRef: true}
	queue := []string{def.InitialNodeRef}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for ref := range def.Nodes {
		if !visited[ref] {
			unreachable = append(unreachable, ref)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("unreachable nodes: %v", unreachable)
	}
	return nil
}

// validateSiblingGroups rejects a fan-in whose siblingGroup matches no
// fan-out transition (spec §4.1).
func validateSiblingGroups(def *workflow.Definition) error {
	fanOutGroups := make(map[string]bool)
	for _, t := range def.Transitions {
		if t.IsFanOut() {
			group := t.SiblingGroup
			if group == "" {
				group = t.Ref
			}
			fanOutGroups[group] = true
		}
	}
	for ref, t := range def.Transitions {
		if !t.IsFanIn() {
			continue
		}
		group := t.Synchronization.SiblingGroup
		if group == "" {
			return fmt.Errorf("transition %s: fan-in missing siblingGroup", ref)
		}
		if !fanOutGroups[group] {
			return fmt.Errorf("transition %s: fan-in siblingGroup %q matches no fan-out", ref, group)
		}
		switch t.Synchronization.Strategy {
		case workflow.StrategyAll, workflow.StrategyAny, workflow.StrategyMofN:
		default:
			return fmt.Errorf("transition %s: unknown synchronization strategy %q", ref, t.Synchronization.Strategy)
		}
	}
	return nil
}

// validateMergePaths rejects a fan-in whose merge source/target JSONPaths
// are syntactically invalid (spec §4.1) or whose strategy is unknown.
func validateMergePaths(def *workflow.Definition) error {
	for ref, t := range def.Transitions {
		if !t.IsFanIn() {
			continue
		}
		for i, m := range t.Synchronization.Merge {
			if !condition.IsValidBranchPath(m.Source) {
				return fmt.Errorf("transition %s: merge[%d] source path %q is invalid", ref, i, m.Source)
			}
			if !condition.IsValidWritePath(m.Target) {
				return fmt.Errorf("transition %s: merge[%d] target path %q is invalid", ref, i, m.Target)
			}
			switch m.Strategy {
			case workflow.MergeAppend, workflow.MergeConcat, workflow.MergeLast, workflow.MergeFirst, workflow.MergeSum, workflow.MergeSet:
			default:
				return fmt.Errorf("transition %s: merge[%d] unknown strategy %q", ref, i, m.Strategy)
			}
		}
	}
	return nil
}

func validateOutputMappingTargets(m workflow.Mapping, allowed ...string) error {
	for _, entry := range m {
		ok := false
		for _, prefix := range allowed {
			if len(entry.Target) >= len(prefix) && entry.Target[:len(prefix)] == prefix {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("target %q outside allowed namespaces %v", entry.Target, allowed)
		}
	}
	return nil
}

func validateConditions(n *workflow.Node) error {
	for _, s := range n.Task.Steps {
		if s.Condition == nil {
			continue
		}
		if _, err := condition.Parse(s.Condition.If); err != nil {
			return fmt.Errorf("step %s condition: %w", s.Ref, err)
		}
	}
	return nil
}
