package engine

import (
	"context"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
)

// executeRecursive implements §4.3.2's controlled cycle: "re-enters from
// named predecessor ids until convergence or iteration cap" — the
// re-entry point is recursive_sources itself, not a separate call to the
// node's own resolved agent_or_workflow_ref. agent_or_workflow_ref is
// still resolved against the Registry at compile time (resolve.go), same
// as any other factory reference Invariant 4 requires, but the engine
// does not instantiate it here: the concrete scenario this behavior is
// grounded on (a single recursive_source tool re-run until its score
// clears a threshold) never calls the resolved factory at all, so
// treating recursive_sources as the thing that actually re-executes is
// the reading that fits the worked example.
//
// Iteration 1's accumulator is read straight off the run context, so
// each recursive_source has to have run successfully before this node
// (for example by also being listed in its dependencies); compiler/cycles.go
// does not enforce that ordering. From iteration 2 on, the declared sources are
// re-scheduled through a fresh subrun each time — the same
// sub-scheduling mechanism kinds_loop.go uses, since re-entering a
// source is structurally a repeated execution of a fixed subgraph, just
// like a loop body.
func (r *run) executeRecursive(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	var payload blueprint.RecursivePayload
	if err := decodePayload(pn.Payload, &payload); err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, err, "recursive payload decode failed")
	}
	if len(payload.RecursiveSources) == 0 {
		return nil, corekind.New(corekind.ValidationError, pn.ID, "recursive node declares no recursive_sources")
	}

	maxIter := payload.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	levels, nodes := subPlanLevels(r.plan, payload.RecursiveSources)

	recursiveContext := map[string]any{}
	if payload.PreserveContext {
		recursiveContext = deepCopyMap(in)
	}

	sourceOutputs := make(map[string]map[string]any, len(payload.RecursiveSources))
	for _, id := range payload.RecursiveSources {
		res, ok := r.rc.Result(id)
		if !ok || !res.Succeeded() {
			return nil, corekind.New(corekind.ValidationError, pn.ID, "recursive_sources id %q has no successful result to seed iteration 1", id)
		}
		sourceOutputs[id] = res.Output
	}

	var iteration int
	var converged bool
	for iteration = 1; iteration <= maxIter; iteration++ {
		if iteration > 1 {
			if r.shouldHalt() {
				break
			}
			sub := r.subrun(ctx, nodes, levels, map[string]any{
				"iteration":         iteration,
				"accumulator":       accumulatorProjection(payload.RecursiveSources, sourceOutputs),
				"recursive_context": recursiveContext,
			})
			sub.runPlanLevels(ctx, sub.plan)

			for _, id := range payload.RecursiveSources {
				res, ok := sub.rc.Result(id)
				if !ok {
					continue
				}
				if res.Err != nil {
					return map[string]any{"converged": false, "iterations": iteration, "accumulator": accumulatorProjection(payload.RecursiveSources, sourceOutputs)},
						corekind.Wrap(corekind.ToolError, pn.ID, res.Err, "recursive source %q failed on iteration %d", id, iteration)
				}
				sourceOutputs[id] = res.Output
			}
		}

		if payload.PreserveContext {
			for id, out := range sourceOutputs {
				recursiveContext[id] = out
			}
		}

		accumulator := accumulatorProjection(payload.RecursiveSources, sourceOutputs)
		ok, err := r.conv.Evaluate(pn.ID, payload.ConvergenceCondition, iteration, accumulator, recursiveContext)
		if err != nil {
			return nil, err
		}
		if ok {
			converged = true
			break
		}
	}

	accumulator := accumulatorProjection(payload.RecursiveSources, sourceOutputs)
	if !converged {
		return map[string]any{"converged": false, "iterations": iteration, "accumulator": accumulator},
			corekind.New(corekind.RecursionNonConverged, pn.ID, "recursion did not converge within max_iterations=%d", maxIter)
	}
	return map[string]any{"converged": true, "iterations": iteration, "accumulator": accumulator}, nil
}

// accumulatorProjection is the recursion's read-only {accumulator}
// projection: with exactly one recursive_source it is that source's
// output directly (matching §8 S5's "${accumulator.score}" against a
// single-source recursion), with more than one it's keyed by source id.
func accumulatorProjection(sources []string, outputs map[string]map[string]any) map[string]any {
	if len(sources) == 1 {
		return outputs[sources[0]]
	}
	out := make(map[string]any, len(sources))
	for _, id := range sources {
		out[id] = outputs[id]
	}
	return out
}
