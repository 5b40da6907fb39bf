package compiler

import (
	"context"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/ports"
	"github.com/lyzr/workflowcore/registry"
)

// maxSubWorkflowDepth bounds recursive sub-workflow compilation (§4.2
// step 4: "sub-workflow references trigger recursive compilation, capped
// to avoid unbounded recursion at compile time").
const maxSubWorkflowDepth = 8

// resolveFactories implements §4.2 step 4 for tool/agent/workflow/
// agent-or-workflow references: every factory a Blueprint names must
// resolve in the Registry at compile time (Invariant 4). llm nodes are
// deliberately excluded — a model name may itself be a template
// expression, so the provider is resolved by the Engine at execution
// time instead.
func resolveFactories(nodes []blueprint.NodeSpec, reg *registry.Registry) (map[string]*registry.Handle, []CompileError) {
	handles := make(map[string]*registry.Handle, len(nodes))
	var errs []CompileError

	for _, n := range nodes {
		switch n.Kind {
		case blueprint.KindTool:
			var p blueprint.ToolPayload
			if err := n.DecodePayload(&p); err != nil {
				continue
			}
			h, err := reg.Resolve(registry.KindTool, p.ToolName)
			if err != nil {
				errs = append(errs, errf(n.ID, "tool %q does not resolve in the registry: %v", p.ToolName, err))
				continue
			}
			handles[n.ID] = &h

		case blueprint.KindAgent:
			var p blueprint.AgentPayload
			if err := n.DecodePayload(&p); err != nil {
				continue
			}
			h, err := reg.Resolve(registry.KindAgent, p.AgentName)
			if err != nil {
				errs = append(errs, errf(n.ID, "agent %q does not resolve in the registry: %v", p.AgentName, err))
				continue
			}
			handles[n.ID] = &h

		case blueprint.KindWorkflow:
			var p blueprint.WorkflowPayload
			if err := n.DecodePayload(&p); err != nil {
				continue
			}
			h, err := reg.Resolve(registry.KindWorkflow, p.WorkflowRef)
			if err == nil {
				handles[n.ID] = &h
			}
			// A workflow_ref that isn't a registered factory name is not
			// itself an error: it may instead name a BlueprintResolver
			// entry, compiled as a nested Plan in compileSubWorkflows.

		case blueprint.KindRecursive:
			var p blueprint.RecursivePayload
			if err := n.DecodePayload(&p); err != nil {
				continue
			}
			ref := p.AgentOrWorkflowRef
			if h, err := reg.Resolve(registry.KindAgent, ref); err == nil {
				handles[n.ID] = &h
				continue
			}
			if h, err := reg.Resolve(registry.KindWorkflow, ref); err == nil {
				handles[n.ID] = &h
				continue
			}
			errs = append(errs, errf(n.ID,
				"agent_or_workflow_ref %q resolves to neither a registered agent nor a registered workflow", ref))
		}
	}

	return handles, errs
}

// compileSubWorkflows implements the recursive-compilation half of §4.2
// step 4: a "workflow" node whose workflow_ref is not a registered
// Workflow factory is resolved via the BlueprintResolver and compiled as
// a nested Plan, recursively, up to maxSubWorkflowDepth.
func compileSubWorkflows(
	ctx context.Context,
	nodes []blueprint.NodeSpec,
	handles map[string]*registry.Handle,
	reg *registry.Registry,
	resolver ports.BlueprintResolver,
	opts options,
	depth int,
) (map[string]*Plan, []CompileError) {
	nested := make(map[string]*Plan)
	var errs []CompileError

	for _, n := range nodes {
		if n.Kind != blueprint.KindWorkflow {
			continue
		}
		if _, resolvedAsFactory := handles[n.ID]; resolvedAsFactory {
			continue
		}
		var p blueprint.WorkflowPayload
		if err := n.DecodePayload(&p); err != nil {
			continue
		}
		if resolver == nil {
			errs = append(errs, errf(n.ID, "workflow_ref %q does not resolve as a registered factory and no blueprint resolver is configured", p.WorkflowRef))
			continue
		}
		if depth >= maxSubWorkflowDepth {
			errs = append(errs, errf(n.ID, "sub-workflow nesting exceeds maximum depth %d", maxSubWorkflowDepth))
			continue
		}
		sub, err := resolver.Resolve(ctx, p.WorkflowRef)
		if err != nil {
			errs = append(errs, errf(n.ID, "workflow_ref %q does not resolve via the blueprint resolver: %v", p.WorkflowRef, err))
			continue
		}
		subPlan, subErrs := compileAt(ctx, sub, reg, resolver, opts, depth+1)
		if len(subErrs) > 0 {
			for _, se := range subErrs {
				errs = append(errs, errf(n.ID, "nested workflow %q: %v", p.WorkflowRef, se))
			}
			continue
		}
		nested[n.ID] = subPlan
	}

	return nested, errs
}
