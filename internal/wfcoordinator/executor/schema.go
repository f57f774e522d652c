package executor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema turns a workflow definition's inline JSON-Schema document
// (decoded as a plain map by the Definition Loader) into a reusable
// compiled Schema. A nil or empty schema means "anything goes" and
// compileSchema returns (nil, nil) — validate treats a nil Schema as an
// automatic pass.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	const resourceURL = "mem://step-schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// validate checks instance (already decoded to plain Go values — maps,
// slices, strings, float64s, bools, nil) against schema. A nil schema
// always passes.
func validate(schema *jsonschema.Schema, instance any) error {
	if schema == nil {
		return nil
	}
	if instance == nil {
		instance = map[string]any{}
	}
	return schema.Validate(instance)
}
