package blueprint

import "encoding/json"

// Kind enumerates the nine node kinds defined in §3's kind-specific
// payload table. Unlike the teacher's workflow.schema.json, which folds
// conditional/loop/parallel into "task" at compile time, we keep the
// declared kind on NodeSpec itself — the Compiler is the one that later
// decides how each kind participates in leveling and cycle rules.
type Kind string

const (
	KindTool      Kind = "tool"
	KindLLM       Kind = "llm"
	KindAgent     Kind = "agent"
	KindCondition Kind = "condition"
	KindLoop      Kind = "loop"
	KindParallel  Kind = "parallel"
	KindWorkflow  Kind = "workflow"
	KindRecursive Kind = "recursive"
	KindCode      Kind = "code"
)

var allKinds = map[Kind]bool{
	KindTool: true, KindLLM: true, KindAgent: true, KindCondition: true,
	KindLoop: true, KindParallel: true, KindWorkflow: true,
	KindRecursive: true, KindCode: true,
}

// IsValid reports whether k is one of the nine authoritative kinds.
func (k Kind) IsValid() bool { return allKinds[k] }

// RetryPolicy controls per-node retry behavior (§3, §4.3 step 6).
type RetryPolicy struct {
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	BackoffBaseMS int      `json:"backoff_base_ms,omitempty"`
	BackoffFactor float64  `json:"backoff_factor,omitempty"`
	RetryOn       []string `json:"retry_on,omitempty"`
}

// NodeSpec is a single node in a Blueprint (§3).
type NodeSpec struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"kind"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Payload      map[string]any    `json:"payload"`
	InputSchema  map[string]string `json:"input_schema,omitempty"`
	OutputSchema map[string]string `json:"output_schema,omitempty"`
	RetryPolicy  *RetryPolicy      `json:"retry_policy,omitempty"`
	TimeoutMS    int               `json:"timeout_ms,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// DecodePayload round-trips n.Payload through JSON into dst, the way the
// teacher's compiler round-trips WorkflowNode.Config before storing it in
// CAS — this also normalizes map[string]any numeric types to float64 so
// the strict payload-schema validators in schema.go see JSON-native types.
func (n *NodeSpec) DecodePayload(dst any) error {
	raw, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// ToolPayload is the "tool" kind's authoritative payload.
type ToolPayload struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`
}

// LLMPayload is the "llm" kind's authoritative payload.
type LLMPayload struct {
	Model          string         `json:"model"`
	PromptTemplate string         `json:"prompt_template"`
	LLMConfig      map[string]any `json:"llm_config"`
}

// AgentPayload is the "agent" kind's authoritative payload.
type AgentPayload struct {
	AgentName     string   `json:"agent_name"`
	Tools         []string `json:"tools,omitempty"`
	MaxIterations int      `json:"max_iterations"`
}

// ConditionPayload is the "condition" kind's authoritative payload.
type ConditionPayload struct {
	Expression  string   `json:"expression"`
	TrueBranch  []string `json:"true_branch"`
	FalseBranch []string `json:"false_branch"`
}

// LoopPayload is the "loop" kind's authoritative payload.
type LoopPayload struct {
	ItemsSource   string   `json:"items_source"`
	BodyNodes     []string `json:"body_nodes"`
	MaxIterations int      `json:"max_iterations"`
}

// ParallelPayload is the "parallel" kind's authoritative payload.
type ParallelPayload struct {
	Branches       [][]string `json:"branches"`
	MaxConcurrency int        `json:"max_concurrency"`
}

// WorkflowPayload is the "workflow" kind's authoritative payload.
type WorkflowPayload struct {
	WorkflowRef     string         `json:"workflow_ref"`
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`
}

// RecursivePayload is the "recursive" kind's authoritative payload.
type RecursivePayload struct {
	AgentOrWorkflowRef  string   `json:"agent_or_workflow_ref"`
	RecursiveSources    []string `json:"recursive_sources"`
	ConvergenceCondition string  `json:"convergence_condition"`
	MaxIterations        int     `json:"max_iterations"`
	PreserveContext       bool   `json:"preserve_context"`
}

// ResourceLimits bounds a "code" node's sandbox execution (§6).
type ResourceLimits struct {
	CPUMs      int  `json:"cpu_ms,omitempty"`
	MemoryByte int  `json:"memory_bytes,omitempty"`
	WallMs     int  `json:"wall_ms,omitempty"`
	Network    bool `json:"network,omitempty"`
}

// CodePayload is the "code" kind's authoritative payload.
type CodePayload struct {
	Source         string         `json:"source"`
	Language       string         `json:"language,omitempty"`
	AllowedImports []string       `json:"allowed_imports,omitempty"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
}
