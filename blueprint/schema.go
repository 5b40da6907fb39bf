package blueprint

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemas holds the authoritative JSON-schema document for each
// kind's payload, straight out of the §3 kind-specific payload table.
// additionalProperties: false makes unknown fields a strict rejection at
// the blueprint surface, per §4.2 step 1.
var payloadSchemas = map[Kind]string{
	KindTool: `{
		"type": "object",
		"required": ["tool_name", "tool_args"],
		"properties": {
			"tool_name": {"type": "string", "minLength": 1},
			"tool_args": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	KindLLM: `{
		"type": "object",
		"required": ["model", "prompt_template"],
		"properties": {
			"model": {"type": "string", "minLength": 1},
			"prompt_template": {"type": "string"},
			"llm_config": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	KindAgent: `{
		"type": "object",
		"required": ["agent_name"],
		"properties": {
			"agent_name": {"type": "string", "minLength": 1},
			"tools": {"type": "array", "items": {"type": "string"}},
			"max_iterations": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	KindCondition: `{
		"type": "object",
		"required": ["expression"],
		"properties": {
			"expression": {"type": "string", "minLength": 1},
			"true_branch": {"type": "array", "items": {"type": "string"}},
			"false_branch": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	KindLoop: `{
		"type": "object",
		"required": ["items_source", "body_nodes", "max_iterations"],
		"properties": {
			"items_source": {"type": "string", "minLength": 1},
			"body_nodes": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"max_iterations": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	KindParallel: `{
		"type": "object",
		"required": ["branches"],
		"properties": {
			"branches": {
				"type": "array",
				"items": {"type": "array", "items": {"type": "string"}}
			},
			"max_concurrency": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	KindWorkflow: `{
		"type": "object",
		"required": ["workflow_ref"],
		"properties": {
			"workflow_ref": {"type": "string", "minLength": 1},
			"config_overrides": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	KindRecursive: `{
		"type": "object",
		"required": ["agent_or_workflow_ref", "recursive_sources", "convergence_condition", "max_iterations"],
		"properties": {
			"agent_or_workflow_ref": {"type": "string", "minLength": 1},
			"recursive_sources": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"convergence_condition": {"type": "string", "minLength": 1},
			"max_iterations": {"type": "integer", "minimum": 1},
			"preserve_context": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	KindCode: `{
		"type": "object",
		"required": ["source"],
		"properties": {
			"source": {"type": "string"},
			"language": {"type": "string"},
			"allowed_imports": {"type": "array", "items": {"type": "string"}},
			"resource_limits": {
				"type": "object",
				"properties": {
					"cpu_ms": {"type": "integer"},
					"memory_bytes": {"type": "integer"},
					"wall_ms": {"type": "integer"},
					"network": {"type": "boolean"}
				},
				"additionalProperties": false
			}
		},
		"additionalProperties": false
	}`,
}

var (
	compileOnce   sync.Once
	compiled      map[Kind]*jsonschema.Schema
	compileErrors map[Kind]error
)

func compileSchemas() {
	compiled = make(map[Kind]*jsonschema.Schema, len(payloadSchemas))
	compileErrors = make(map[Kind]error)
	for kind, raw := range payloadSchemas {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			compileErrors[kind] = fmt.Errorf("unmarshal schema for %s: %w", kind, err)
			continue
		}
		c := jsonschema.NewCompiler()
		resourceName := string(kind) + ".json"
		if err := c.AddResource(resourceName, doc); err != nil {
			compileErrors[kind] = fmt.Errorf("add schema resource for %s: %w", kind, err)
			continue
		}
		sch, err := c.Compile(resourceName)
		if err != nil {
			compileErrors[kind] = fmt.Errorf("compile schema for %s: %w", kind, err)
			continue
		}
		compiled[kind] = sch
	}
}

// ValidatePayload validates a decoded (json.Unmarshal'd) payload document
// against the authoritative schema for kind. It returns nil for kinds
// with no schema registered.
func ValidatePayload(kind Kind, payload map[string]any) error {
	compileOnce.Do(compileSchemas)
	if err := compileErrors[kind]; err != nil {
		return err
	}
	sch, ok := compiled[kind]
	if !ok {
		return nil
	}
	// Round-trip through JSON so numeric types match what a JSON document
	// would produce (jsonschema validates against json.Unmarshal shapes).
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return sch.Validate(doc)
}
