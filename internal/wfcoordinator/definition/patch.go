package definition

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/wonderhq/coordinator/common/validation"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

// patchValidator applies the coordinator's structural guardrails (op/path
// shape, node-count ceilings) before a patch ever touches a frozen
// graph. Stateless, so one instance serves every Patch call.
var patchValidator = validation.NewPatchValidator()

// Patch applies a JSON-Patch document (RFC 6902) to def and returns a new,
// independently frozen and validated Definition at newVersion. def
// itself is never mutated (spec invariant 1: definitionRef@version is
// immutable once a run references it), so a running graph keeps pointing
// at its original frozen version while subsequent runs can pick up the
// patched one. Operations are validated for op/path shape before the
// patch is applied, and the patched graph must pass the same structural
// validation a freshly loaded one does.
func Patch(def *workflow.Definition, newVersion string, ops []byte) (*workflow.Definition, error) {
	var rawOps []map[string]interface{}
	if err := json.Unmarshal(ops, &rawOps); err != nil {
		return nil, fmt.Errorf("decode patch operations: %w", err)
	}
	if err := patchValidator.ValidateOperations(rawOps); err != nil {
		return nil, fmt.Errorf("patch validation: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return nil, fmt.Errorf("decode JSON-Patch: %w", err)
	}

	original, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal definition %s@%s: %w", def.Reference, def.Version, err)
	}

	patched, err := patch.Apply(original)
	if err != nil {
		return nil, fmt.Errorf("apply patch to %s@%s: %w", def.Reference, def.Version, err)
	}

	var next workflow.Definition
	if err := json.Unmarshal(patched, &next); err != nil {
		return nil, fmt.Errorf("decode patched definition: %w", err)
	}
	next.Version = newVersion

	if err := Validate(&next); err != nil {
		return nil, fmt.Errorf("invalid patched definition %s@%s: %w", next.Reference, next.Version, err)
	}
	next.FreezeIndex()
	return &next, nil
}
