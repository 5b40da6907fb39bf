package engine

import (
	"context"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/ports"
)

// executeCode implements §4.3 step 4 "code": the Engine never executes
// user-authored source in-process, it only ever delegates to the
// injected Sandbox (§6). A nil Sandbox is a hard SandboxViolation, not a
// silent no-op.
func (r *run) executeCode(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	if r.engine.sandbox == nil {
		return nil, corekind.New(corekind.SandboxViolation, pn.ID, "no sandbox configured for code node execution")
	}

	var payload blueprint.CodePayload
	if err := decodePayload(pn.Payload, &payload); err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, err, "code payload decode failed")
	}

	limits := ports.SandboxResourceLimits{
		CPUMs:      payload.ResourceLimits.CPUMs,
		MemoryByte: payload.ResourceLimits.MemoryByte,
		WallMs:     payload.ResourceLimits.WallMs,
		Network:    payload.ResourceLimits.Network,
	}

	res, err := r.engine.sandbox.Execute(ctx, payload.Source, payload.Language, payload.AllowedImports, limits, in)
	if err != nil {
		return nil, corekind.Wrap(corekind.SandboxViolation, pn.ID, err, "sandbox execution failed")
	}
	if !res.OK {
		return res.Output, corekind.Wrap(corekind.SandboxViolation, pn.ID, res.Err, "sandbox reported a non-ok result")
	}
	return res.Output, nil
}
