package engine

import (
	"context"
	"strconv"
	"sync"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
)

// executeParallel implements §4.3 step 4 "parallel": run each declared
// branch as an independent subgraph, bounded by max_concurrency,
// aggregating every branch's node outputs keyed by branch index.
func (r *run) executeParallel(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	var payload blueprint.ParallelPayload
	if err := decodePayload(pn.Payload, &payload); err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, err, "parallel payload decode failed")
	}

	maxConcurrency := payload.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = len(payload.Branches)
	}

	results := make([]map[string]any, len(payload.Branches))
	errs := make([]*corekind.Error, len(payload.Branches))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for idx, branch := range payload.Branches {
		if r.shouldHalt() {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, branch []string) {
			defer wg.Done()
			defer func() { <-sem }()

			levels, nodes := subPlanLevels(r.plan, branch)
			sub := r.subrun(ctx, nodes, levels, nil)
			sub.runPlanLevels(ctx, sub.plan)

			out := make(map[string]any, len(branch))
			for _, id := range branch {
				res, ok := sub.rc.Result(id)
				if !ok {
					continue
				}
				out[id] = res.Output
				if res.Err != nil && errs[idx] == nil {
					errs[idx] = res.Err
				}
			}
			results[idx] = out
		}(idx, branch)
	}
	wg.Wait()

	branchOut := make(map[string]any, len(results))
	for idx, out := range results {
		branchOut[strconv.Itoa(idx)] = out
	}

	for _, ce := range errs {
		if ce != nil {
			return map[string]any{"branches": branchOut}, corekind.Wrap(corekind.ToolError, pn.ID, ce, "a parallel branch failed")
		}
	}
	return map[string]any{"branches": branchOut}, nil
}
