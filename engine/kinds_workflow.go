package engine

import (
	"context"

	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/registry"
)

// executeWorkflow implements §4.3 step 4 "workflow": run the node's
// nested Plan to completion and surface its RunResult as this node's
// output. A workflow node resolves one of two ways at compile time
// (resolve.go): a registered Workflow factory (FactoryHandle, wrapping
// its own already-compiled Plan via PlanRef) or a workflow_ref compiled
// recursively into NestedPlan. Either way config_overrides — deep-merged
// on top of the effective inputs, taking precedence on key conflicts —
// becomes the nested run's initial_inputs; the source's two overlapping
// "workflow" notions collapse to one rule here, recorded as an Open
// Question decision.
func (r *run) executeWorkflow(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	plan, err := r.resolveNestedPlan(pn)
	if err != nil {
		return nil, err
	}

	overrides, _ := in["config_overrides"].(map[string]any)
	initial := deepMerge(in, overrides)
	delete(initial, "workflow_ref")
	delete(initial, "config_overrides")

	result := r.runNested(ctx, plan, initial)
	if !result.Success {
		msg := "nested workflow run failed"
		if result.FirstError != nil {
			return map[string]any{"success": false}, corekind.Wrap(corekind.ToolError, pn.ID, result.FirstError, msg)
		}
		return map[string]any{"success": false}, corekind.New(corekind.ToolError, pn.ID, msg)
	}

	snapshot := result.Context.Snapshot()
	outputs := make(map[string]any, len(snapshot))
	for id, res := range snapshot {
		outputs[id] = res.Output
	}
	return map[string]any{"success": true, "node_outputs": outputs}, nil
}

func (r *run) resolveNestedPlan(pn *compiler.PlanNode) (*compiler.Plan, error) {
	if pn.NestedPlan != nil {
		return pn.NestedPlan, nil
	}
	if pn.FactoryHandle == nil {
		return nil, corekind.New(corekind.NotFound, pn.ID, "workflow node has neither a nested plan nor a resolved factory")
	}
	instance, err := r.engine.reg.Instantiate(*pn.FactoryHandle, nil)
	if err != nil {
		ce, _ := corekind.AsError(err)
		return nil, ce
	}
	wf, ok := instance.(registry.Workflow)
	if !ok {
		return nil, corekind.New(corekind.CapabilityMismatch, pn.ID, "resolved instance does not implement registry.Workflow")
	}
	plan, ok := wf.PlanRef().(*compiler.Plan)
	if !ok {
		return nil, corekind.New(corekind.CapabilityMismatch, pn.ID, "workflow factory's PlanRef() did not return a *compiler.Plan")
	}
	return plan, nil
}

func deepMerge(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		bv, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		bm, bok := bv.(map[string]any)
		ovm, ovok := v.(map[string]any)
		if bok && ovok {
			out[k] = deepMerge(bm, ovm)
		} else {
			out[k] = v
		}
	}
	return out
}
