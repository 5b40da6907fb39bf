package compiler

import (
	"context"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/ports"
	"github.com/lyzr/workflowcore/registry"
)

// options holds the compiler's optional collaborators and switches.
type options struct {
	resolver ports.BlueprintResolver
	strict   bool // set by WithStrictWiring; Compile does not read it
}

// Option configures Compile.
type Option func(*options)

// WithBlueprintResolver supplies the collaborator used to resolve
// sub-workflow references that are not registered Workflow factories.
func WithBlueprintResolver(r ports.BlueprintResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithStrictWiring sets the strict-wiring switch. Compile performs no
// input/output type check and emits no warnings, so the switch does not
// change what Compile returns.
func WithStrictWiring() Option {
	return func(o *options) { o.strict = true }
}

// Compile turns bp into a Plan against reg, implementing §4.2's full,
// best-effort (non-fail-fast) compilation pipeline. It always returns
// every CompileError found in one pass; a non-empty error slice means the
// returned Plan (if any) must not be executed.
func Compile(ctx context.Context, bp *blueprint.Blueprint, reg *registry.Registry, opts ...Option) (*Plan, []CompileError) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return compileAt(ctx, bp, reg, o.resolver, o, 0)
}

func compileAt(ctx context.Context, bp *blueprint.Blueprint, reg *registry.Registry, resolver ports.BlueprintResolver, o options, depth int) (*Plan, []CompileError) {
	var errs []CompileError

	// Steps 1-2: schema + id validation.
	errs = append(errs, checkSchemasAndIDs(bp.Nodes)...)

	// Step 3: cycle analysis (Invariant 1/2).
	errs = append(errs, checkCycles(bp.Nodes)...)

	// Step 5: static I/O wiring + Invariant 3.
	depSet := make(map[string]map[string]bool, len(bp.Nodes))
	for _, n := range bp.Nodes {
		set := make(map[string]bool, len(n.Dependencies))
		for _, d := range n.Dependencies {
			set[d] = true
		}
		depSet[n.ID] = set
	}
	for _, n := range bp.Nodes {
		// An unresolvable template root is always an error, strict mode
		// or not; o.strict is not consulted anywhere in Compile.
		errs = append(errs, checkWiring(n, depSet[n.ID])...)
		errs = append(errs, checkDeclaredInputsBound(n)...)
	}

	// If structural checks already failed, resolving factories and
	// sub-workflows against a broken graph would only produce noise.
	if len(errs) > 0 {
		return nil, errs
	}

	// Step 4: factory + sub-workflow resolution.
	handles, resolveErrs := resolveFactories(bp.Nodes, reg)
	errs = append(errs, resolveErrs...)

	nestedPlans, nestedErrs := compileSubWorkflows(ctx, bp.Nodes, handles, reg, resolver, o, depth)
	errs = append(errs, nestedErrs...)

	if len(errs) > 0 {
		return nil, errs
	}

	// Step 7: level assignment.
	levelOf, levels, entry, terminal := assignLevels(bp.Nodes)

	id, err := bp.Identity()
	if err != nil {
		return nil, append(errs, errf("", "failed to compute blueprint identity: %v", err))
	}

	plan := &Plan{
		BlueprintID:      id,
		Nodes:            make(map[string]*PlanNode, len(bp.Nodes)),
		Levels:           levels,
		EntryLevelIDs:    entry,
		TerminalLevelIDs: terminal,
	}

	for _, n := range bp.Nodes {
		plan.Nodes[n.ID] = &PlanNode{
			ID:            n.ID,
			Kind:          n.Kind,
			Level:         levelOf[n.ID],
			Dependencies:  append([]string(nil), n.Dependencies...),
			Payload:       n.Payload,
			InputSchema:   n.InputSchema,
			OutputSchema:  n.OutputSchema,
			Bindings:      compiledBindings(n),
			Policy:        normalizePolicy(n),
			FactoryHandle: handles[n.ID],
			NestedPlan:    nestedPlans[n.ID],
		}
	}

	return plan, nil
}
