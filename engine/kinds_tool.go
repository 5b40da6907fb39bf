package engine

import (
	"context"

	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/registry"
)

// executeTool implements §4.3 step 4 "tool":
// factory.instantiate(...).execute(effective_inputs).
func (r *run) executeTool(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	if pn.FactoryHandle == nil {
		return nil, corekind.New(corekind.NotFound, pn.ID, "tool node has no resolved factory handle")
	}
	args, _ := in["tool_args"].(map[string]any)

	instance, err := r.engine.reg.Instantiate(*pn.FactoryHandle, nil)
	if err != nil {
		ce, _ := corekind.AsError(err)
		return nil, ce
	}
	tool, ok := instance.(registry.Tool)
	if !ok {
		return nil, corekind.New(corekind.CapabilityMismatch, pn.ID, "resolved instance does not implement registry.Tool")
	}

	out, err := tool.Execute(ctx, args)
	if err != nil {
		if ce, ok := corekind.AsError(err); ok {
			return out, ce
		}
		return out, corekind.Wrap(corekind.ToolError, pn.ID, err, "tool execution failed")
	}
	return out, nil
}
