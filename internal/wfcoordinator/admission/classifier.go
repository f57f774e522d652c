// Package admission classifies a workflow definition into the rate
// limiter's complexity tiers before a run of it is admitted.
//
// The signal is the count of llm-kind actions across the definition's
// steps: each one is a non-deterministic, latency-heavy external call,
// which is what the tier system exists to throttle. Deterministic
// workflows stay on the permissive tier regardless of node count.
package admission

import (
	"github.com/wonderhq/coordinator/common/ratelimit"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// Classify returns def's rate-limit tier and the agent-equivalent (LLM
// action) count that produced it.
func Classify(def *workflow.Definition) (ratelimit.WorkflowTier, int) {
	agentCount := 0
	for _, n := range def.Nodes {
		for _, s := range n.Task.Steps {
			if s.Action.Kind == workflow.ActionLLM {
				agentCount++
			}
		}
	}

	switch {
	case agentCount == 0:
		return ratelimit.TierSimple, agentCount
	case agentCount <= 2:
		return ratelimit.TierStandard, agentCount
	default:
		return ratelimit.TierHeavy, agentCount
	}
}
