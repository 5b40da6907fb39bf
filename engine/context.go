// Package engine executes a compiler.Plan: it binds inputs, runs each
// node's kind-specific logic, validates outputs, retries on
// classification, and publishes events — the runtime half of the core
// described in §4.3 and §4.4.
package engine

import (
	"sync"
	"time"

	"github.com/lyzr/workflowcore/internal/corekind"
)

// NodeResult is the append-only record of one node's outcome within a
// run (§4.4: "the Template Binder resolves against prior NodeResults").
type NodeResult struct {
	NodeID     string
	Output     map[string]any
	Err        *corekind.Error
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the node completed without error.
func (r NodeResult) Succeeded() bool { return r.Err == nil }

// RunContext is the mutable, thread-safe store of everything a run has
// produced so far: initial inputs plus every NodeResult recorded. It is
// append-only from the perspective of completed nodes — once a
// NodeResult is set it is never mutated, only read concurrently by
// Template Binder lookups from sibling nodes at the same level.
type RunContext struct {
	mu            sync.RWMutex
	RunID         string
	BlueprintID   string
	InitialInputs map[string]any
	Results       map[string]NodeResult

	// scope carries loop/parallel-local bindings (item, index,
	// iteration, accumulator, recursive_context) that only apply while
	// evaluating nodes nested inside that construct. A scope never
	// leaks to sibling branches; run.subrun builds an isolated copy per
	// iteration/branch.
	scope map[string]any
}

// NewRunContext creates the root context for one run.
func NewRunContext(runID, blueprintID string, initialInputs map[string]any) *RunContext {
	return &RunContext{
		RunID:         runID,
		BlueprintID:   blueprintID,
		InitialInputs: initialInputs,
		Results:       make(map[string]NodeResult),
		scope:         make(map[string]any),
	}
}

// SetResult records a node's outcome. Safe for concurrent use by nodes
// executing within the same level.
func (c *RunContext) SetResult(r NodeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Results[r.NodeID] = r
}

// Result returns the recorded outcome for nodeID, if any.
func (c *RunContext) Result(nodeID string) (NodeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.Results[nodeID]
	return r, ok
}

// Scope returns the value bound to name in this context's local scope
// (item, index, iteration, accumulator, recursive_context), if any.
func (c *RunContext) Scope(name string) (any, bool) {
	v, ok := c.scope[name]
	return v, ok
}

// Snapshot returns a point-in-time copy of every recorded result,
// keyed by node id, for building the Template Binder's resolution root.
func (c *RunContext) Snapshot() map[string]NodeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]NodeResult, len(c.Results))
	for k, v := range c.Results {
		out[k] = v
	}
	return out
}
