package engine

import (
	"context"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
)

// executeLoop implements §4.3 step 4 "loop": resolve items_source into a
// list, then run body_nodes once per item in a fresh scoped sub-context
// (item, index), collecting each iteration's body outputs into an
// ordered list. Iterations run sequentially — the body subgraph may
// itself contain a nested parallel/loop, and a fresh RunContext per
// iteration (subrun) is what lets the same body node id be reused
// across iterations without one iteration's result clobbering another's
// before it's been collected.
func (r *run) executeLoop(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	var payload blueprint.LoopPayload
	if err := decodePayload(pn.Payload, &payload); err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, err, "loop payload decode failed")
	}

	items, err := r.resolveItemsSource(pn.ID, in)
	if err != nil {
		return nil, err
	}

	maxIter := payload.MaxIterations
	if maxIter <= 0 || maxIter > len(items) {
		maxIter = len(items)
	}
	items = items[:maxIter]

	levels, nodes := subPlanLevels(r.plan, payload.BodyNodes)

	results := make([]map[string]any, 0, len(items))
	for i, item := range items {
		if r.shouldHalt() {
			break
		}
		sub := r.subrun(ctx, nodes, levels, map[string]any{"item": item, "index": i})
		sub.runPlanLevels(ctx, sub.plan)

		iterOut := make(map[string]any, len(payload.BodyNodes))
		var iterErr *corekind.Error
		for _, bodyID := range payload.BodyNodes {
			res, ok := sub.rc.Result(bodyID)
			if !ok {
				continue
			}
			iterOut[bodyID] = res.Output
			if res.Err != nil && iterErr == nil {
				iterErr = res.Err
			}
		}
		results = append(results, iterOut)
		if iterErr != nil {
			return map[string]any{"iterations": results}, corekind.Wrap(corekind.ToolError, pn.ID, iterErr, "loop iteration %d failed", i)
		}
	}

	return map[string]any{"iterations": results, "count": len(results)}, nil
}

// resolveItemsSource extracts the loop's items list. A bare "${...}"
// items_source is bound directly to its native value by the Template
// Binder (template.go's bindAll), so it already arrives in `in` as a
// []any; a mixed/literal-substituted expression instead arrives as a
// string and is run through the items expr-lang evaluator.
func (r *run) resolveItemsSource(nodeID string, in map[string]any) ([]any, error) {
	switch v := in["items_source"].(type) {
	case []any:
		return v, nil
	case string:
		env := map[string]any{"inputs": r.rc.InitialInputs}
		items, err := r.items.Eval(nodeID, v, env)
		if err != nil {
			return nil, err
		}
		return items, nil
	case nil:
		return nil, nil
	default:
		return nil, corekind.New(corekind.ValidationError, nodeID, "items_source resolved to unsupported type %T", v)
	}
}
