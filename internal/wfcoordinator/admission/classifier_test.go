package admission

import (
	"testing"

	"github.com/wonderhq/coordinator/common/ratelimit"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

func nodeWithActions(kinds ...workflow.ActionKind) *workflow.Node {
	n := &workflow.Node{Task: workflow.TaskDef{}}
	for i, k := range kinds {
		n.Task.Steps = append(n.Task.Steps, workflow.Step{
			Ref:    string(rune('a' + i)),
			Action: workflow.Action{Kind: k},
		})
	}
	return n
}

func TestClassify_NoAgentNodesIsSimple(t *testing.T) {
	def := &workflow.Definition{Nodes: map[string]*workflow.Node{
		"n1": nodeWithActions(workflow.ActionHTTP),
		"n2": nodeWithActions(workflow.ActionContext),
	}}
	tier, count := Classify(def)
	if tier != ratelimit.TierSimple || count != 0 {
		t.Errorf("Classify = %v, %d; want TierSimple, 0", tier, count)
	}
}

func TestClassify_FewAgentNodesIsStandard(t *testing.T) {
	def := &workflow.Definition{Nodes: map[string]*workflow.Node{
		"n1": nodeWithActions(workflow.ActionLLM),
		"n2": nodeWithActions(workflow.ActionLLM),
	}}
	tier, count := Classify(def)
	if tier != ratelimit.TierStandard || count != 2 {
		t.Errorf("Classify = %v, %d; want TierStandard, 2", tier, count)
	}
}

func TestClassify_ManyAgentNodesIsHeavy(t *testing.T) {
	def := &workflow.Definition{Nodes: map[string]*workflow.Node{
		"n1": nodeWithActions(workflow.ActionLLM),
		"n2": nodeWithActions(workflow.ActionLLM),
		"n3": nodeWithActions(workflow.ActionLLM),
	}}
	tier, count := Classify(def)
	if tier != ratelimit.TierHeavy || count != 3 {
		t.Errorf("Classify = %v, %d; want TierHeavy, 3", tier, count)
	}
}

func TestClassify_MultipleAgentStepsWithinOneNodeCountTowardTotal(t *testing.T) {
	def := &workflow.Definition{Nodes: map[string]*workflow.Node{
		"n1": nodeWithActions(workflow.ActionLLM, workflow.ActionLLM, workflow.ActionHTTP),
	}}
	tier, count := Classify(def)
	if tier != ratelimit.TierStandard || count != 2 {
		t.Errorf("Classify = %v, %d; want TierStandard, 2", tier, count)
	}
}
