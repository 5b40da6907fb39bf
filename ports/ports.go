// Package ports declares the core's external collaborator interfaces
// (§6 External Interfaces): everything the core consumes but does not
// implement itself. The core only depends on these small interfaces,
// never on a concrete transport, database, or sandbox.
package ports

import (
	"context"

	"github.com/lyzr/workflowcore/blueprint"
)

// BlueprintResolver resolves a workflow_ref (as used by "workflow" nodes
// and the compiler's recursive sub-workflow compilation) to a Blueprint.
// A production host typically backs this with a PlanStore.
type BlueprintResolver interface {
	Resolve(ctx context.Context, ref string) (*blueprint.Blueprint, error)
}

// PlanStore is the optional persistence capability from §6: Blueprint ids
// are the truncated content hash, so Put is idempotent for identical
// content.
type PlanStore interface {
	Put(ctx context.Context, bp *blueprint.Blueprint) (string, error)
	Get(ctx context.Context, blueprintID string) (*blueprint.Blueprint, error)
	List(ctx context.Context) ([]string, error)
}

// CostEstimator estimates the USD cost of executing a node with a given
// set of effective inputs (§6 Budget/cost estimator). It is advisory,
// non-metering, and must return a non-negative estimate.
type CostEstimator interface {
	Estimate(nodeID string, kind blueprint.Kind, effectiveInputs map[string]any) (float64, error)
}

// SandboxResourceLimits mirrors blueprint.ResourceLimits for the sandbox
// boundary, kept distinct so the sandbox contract doesn't import the
// blueprint package's node-authoring types.
type SandboxResourceLimits struct {
	CPUMs      int
	MemoryByte int
	WallMs     int
	Network    bool
}

// SandboxResult is what a sandbox execution reports back.
type SandboxResult struct {
	OK     bool
	Output map[string]any
	Logs   []string
	Err    error
}

// Sandbox executes untrusted "code" node source out of process (§6).
// The Engine never executes user code in-process.
type Sandbox interface {
	Execute(ctx context.Context, source, language string, allowedImports []string,
		limits SandboxResourceLimits, inputs map[string]any) (SandboxResult, error)
}

// ManifestComponent is one entry of a factory manifest (§6 Factory
// manifests).
type ManifestComponent struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	ImportPath string `json:"import_path"`
	Version    string `json:"version"`
}

// Manifest is the document a manifest loader reads.
type Manifest struct {
	SchemaVersion string              `json:"schema_version"`
	Components    []ManifestComponent `json:"components"`
}
