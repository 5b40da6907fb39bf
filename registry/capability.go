package registry

import "context"

// Tool is the capability required of an instance produced by a
// kind=tool factory (§4.1).
type Tool interface {
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
	InputSchema() map[string]string
	OutputSchema() map[string]string
}

// Decision is the result of one agent iteration (§4.3.1).
type Decision struct {
	Action   string
	ToolName string
	Inputs   map[string]any
	Done     bool
	Message  string
}

// Agent is the capability required of an instance produced by a
// kind=agent factory (§4.1, §4.3.1).
type Agent interface {
	Decide(ctx context.Context, context map[string]any) (Decision, error)
	AllowedTools() []string
	Observe(ctx context.Context, context map[string]any, result any) error
}

// Workflow is the capability required of an instance produced by a
// kind=workflow factory. PlanRef returns the compiled Plan this workflow
// wraps; it is typed any here (rather than *compiler.Plan) to avoid a
// registry<->compiler import cycle — the engine, which imports both
// packages, performs the type assertion when it executes a workflow
// node. See DESIGN.md for this tradeoff.
type Workflow interface {
	PlanRef() any
}

// LLMUsage reports token accounting for one generate call.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// LLMResult is the outcome of an LLMProvider.Generate call.
type LLMResult struct {
	Text  string
	Usage LLMUsage
	Err   error
}

// LLMProvider is the capability required of an instance produced by a
// kind=llm-provider factory (§6 LLM provider capability).
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, config map[string]any) (LLMResult, error)
}
