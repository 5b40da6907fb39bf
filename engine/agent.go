package engine

import (
	"context"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/registry"
)

// executeAgent implements §4.3.1's iterative plan-act-observe loop: the
// agent decides an action, the Engine executes it (always by dispatching
// through the tool path, since a Decision's only executable action today
// is invoking one of the agent's allowed tools), the agent observes the
// result, and the loop repeats until Decide reports done or
// max_iterations is exhausted.
func (r *run) executeAgent(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	var payload blueprint.AgentPayload
	if err := decodePayload(pn.Payload, &payload); err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, err, "agent payload decode failed")
	}
	if pn.FactoryHandle == nil {
		return nil, corekind.New(corekind.NotFound, pn.ID, "agent node has no resolved factory handle")
	}

	instance, err := r.engine.reg.Instantiate(*pn.FactoryHandle, nil)
	if err != nil {
		ce, _ := corekind.AsError(err)
		return nil, ce
	}
	agent, ok := instance.(registry.Agent)
	if !ok {
		return nil, corekind.New(corekind.CapabilityMismatch, pn.ID, "resolved instance does not implement registry.Agent")
	}

	allowed := map[string]bool{}
	for _, t := range agent.AllowedTools() {
		allowed[t] = true
	}
	for _, t := range payload.Tools {
		allowed[t] = true
	}

	maxIter := payload.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	agentContext := deepCopyMap(in)
	var lastResult any

	for iteration := 1; iteration <= maxIter; iteration++ {
		decision, err := agent.Decide(ctx, agentContext)
		if err != nil {
			return nil, corekind.Wrap(corekind.ToolError, pn.ID, err, "agent decide failed on iteration %d", iteration)
		}
		if decision.Done {
			return map[string]any{
				"converged":  true,
				"iterations": iteration,
				"message":    decision.Message,
				"result":     lastResult,
			}, nil
		}

		if decision.ToolName == "" {
			return nil, corekind.New(corekind.ValidationError, pn.ID, "agent decision on iteration %d named no tool and was not done", iteration)
		}
		if len(allowed) > 0 && !allowed[decision.ToolName] {
			return nil, corekind.New(corekind.CapabilityMismatch, pn.ID, "agent attempted to call %q, which is not in its allowed tools", decision.ToolName)
		}

		h, err := r.engine.reg.Resolve(registry.KindTool, decision.ToolName)
		if err != nil {
			return nil, corekind.Wrap(corekind.NotFound, pn.ID, err, "agent-requested tool %q does not resolve", decision.ToolName)
		}
		toolInstance, err := r.engine.reg.Instantiate(h, nil)
		if err != nil {
			ce, _ := corekind.AsError(err)
			return nil, ce
		}
		tool, ok := toolInstance.(registry.Tool)
		if !ok {
			return nil, corekind.New(corekind.CapabilityMismatch, pn.ID, "resolved instance for %q does not implement registry.Tool", decision.ToolName)
		}

		result, toolErr := tool.Execute(ctx, decision.Inputs)
		lastResult = result
		if obsErr := agent.Observe(ctx, agentContext, result); obsErr != nil {
			return nil, corekind.Wrap(corekind.ToolError, pn.ID, obsErr, "agent observe failed on iteration %d", iteration)
		}
		if toolErr != nil {
			if ce, ok := corekind.AsError(toolErr); ok {
				return nil, ce
			}
			return nil, corekind.Wrap(corekind.ToolError, pn.ID, toolErr, "agent-requested tool %q failed", decision.ToolName)
		}
		agentContext[decision.ToolName] = result
	}

	return map[string]any{"converged": false, "iterations": maxIter, "result": lastResult},
		corekind.New(corekind.AgentNonConverged, pn.ID, "agent did not converge within max_iterations=%d", maxIter)
}
