// Package compiler turns a validated blueprint.Blueprint into a Plan: a
// typed, leveled DAG with resolved factories and compiled template
// bindings, ready for the Engine to execute (§4.2).
package compiler

import (
	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/registry"
)

// TemplateBinding is one compiled (parameter_path -> source_expression)
// pair attached to a PlanNode, collected at compile time (§3 Plan). It
// keeps only the raw source text; the engine's binder parses that text
// on each bind.
type TemplateBinding struct {
	ParameterPath     string // e.g. "tool_args.msg" or "prompt_template"
	SourceExpression  string // the raw "${...}" text
}

// Policy is the normalized retry/timeout policy snapshot for a node,
// after defaults are applied (§4.2 step 6).
type Policy struct {
	MaxAttempts   int
	BackoffBaseMS int
	BackoffFactor float64
	RetryOn       []string
	TimeoutMS     int
}

// DefaultPolicy returns the §4.2 step 6 defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   1,
		BackoffBaseMS: 100,
		BackoffFactor: 2.0,
		RetryOn:       []string{"Timeout", "LLMProviderError"},
		TimeoutMS:     30000,
	}
}

// PlanNode is a compiled NodeSpec: the Compiler's output adds level,
// resolved factory handle, compiled bindings, and a policy snapshot.
type PlanNode struct {
	ID           string
	Kind         blueprint.Kind
	Level        int
	Dependencies []string
	Payload      map[string]any
	InputSchema  map[string]string
	OutputSchema map[string]string
	Bindings     []TemplateBinding
	Policy       Policy

	// FactoryHandle is set for tool/agent/workflow kinds once resolved
	// against the Registry. llm nodes resolve their provider by model
	// name at execution time (the model name may itself be a template
	// expression), so FactoryHandle is left unset for kind=llm.
	FactoryHandle *registry.Handle

	// NestedPlan holds the compiled sub-Plan for a kind=workflow node
	// (§4.2 step 4: "sub-workflow references trigger recursive
	// compilation").
	NestedPlan *Plan
}

// Plan is the Compiler's output (§3).
type Plan struct {
	BlueprintID      string
	Nodes            map[string]*PlanNode
	Levels           [][]string // ordered, each level's ids sorted ascending
	EntryLevelIDs    []string
	TerminalLevelIDs []string
}
