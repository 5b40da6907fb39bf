package compiler

import (
	"context"
	"testing"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/registry"
)

func toolNode(id string, deps []string, args map[string]any) blueprint.NodeSpec {
	return blueprint.NodeSpec{
		ID:           id,
		Kind:         blueprint.KindTool,
		Dependencies: deps,
		Payload: map[string]any{
			"tool_name": "echo",
			"tool_args": args,
		},
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	factory := func(parameters map[string]any) (any, error) {
		return fakeTool{}, nil
	}
	if err := reg.Register(registry.KindTool, "echo", factory); err != nil {
		t.Fatalf("register echo tool: %v", err)
	}
	return reg
}

type fakeTool struct{}

func (fakeTool) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return inputs, nil
}
func (fakeTool) InputSchema() map[string]string  { return nil }
func (fakeTool) OutputSchema() map[string]string { return nil }

// TestCompile_SimpleSequential mirrors the teacher's A->B->C sequential
// fixture: level assignment must place each node one level past its
// single dependency.
func TestCompile_SimpleSequential(t *testing.T) {
	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("A", nil, map[string]any{"msg": "go"}),
			toolNode("B", []string{"A"}, map[string]any{"msg": "${A.output}"}),
			toolNode("C", []string{"B"}, map[string]any{"msg": "${B.output}"}),
		},
	}

	plan, errs := Compile(context.Background(), bp, testRegistry(t))
	if len(errs) > 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}
	if len(plan.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(plan.Levels), plan.Levels)
	}
	if plan.Nodes["A"].Level != 0 || plan.Nodes["B"].Level != 1 || plan.Nodes["C"].Level != 2 {
		t.Errorf("unexpected levels: A=%d B=%d C=%d", plan.Nodes["A"].Level, plan.Nodes["B"].Level, plan.Nodes["C"].Level)
	}
	if len(plan.EntryLevelIDs) != 1 || plan.EntryLevelIDs[0] != "A" {
		t.Errorf("expected entry=[A], got %v", plan.EntryLevelIDs)
	}
	if len(plan.TerminalLevelIDs) != 1 || plan.TerminalLevelIDs[0] != "C" {
		t.Errorf("expected terminal=[C], got %v", plan.TerminalLevelIDs)
	}
	if len(plan.Nodes["B"].Bindings) != 1 || plan.Nodes["B"].Bindings[0].SourceExpression != "${A.output}" {
		t.Errorf("expected B to carry one compiled binding for A.output, got %v", plan.Nodes["B"].Bindings)
	}
}

// TestCompile_ParallelFanOut mirrors the teacher's A->(B,C)->D fixture.
func TestCompile_ParallelFanOut(t *testing.T) {
	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("A", nil, map[string]any{}),
			toolNode("B", []string{"A"}, map[string]any{}),
			toolNode("C", []string{"A"}, map[string]any{}),
			toolNode("D", []string{"B", "C"}, map[string]any{}),
		},
	}

	plan, errs := Compile(context.Background(), bp, testRegistry(t))
	if len(errs) > 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}
	if plan.Nodes["D"].Level != 2 {
		t.Errorf("expected D at level 2, got %d", plan.Nodes["D"].Level)
	}
	if got := plan.Levels[1]; len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Errorf("expected level 1 to be [B C] sorted, got %v", got)
	}
}

// TestCompile_IllegalCycle asserts a plain dependency cycle with no
// recursive node involved is always rejected (Invariant 2).
func TestCompile_IllegalCycle(t *testing.T) {
	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("A", []string{"B"}, map[string]any{}),
			toolNode("B", []string{"A"}, map[string]any{}),
		},
	}

	_, errs := Compile(context.Background(), bp, testRegistry(t))
	if len(errs) == 0 {
		t.Fatal("expected a cycle compile error, got none")
	}
}

// TestCompile_SanctionedRecursiveCycle asserts a recursive node whose
// recursive_sources forms the only cycle edge compiles cleanly.
func TestCompile_SanctionedRecursiveCycle(t *testing.T) {
	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("seed", nil, map[string]any{}),
			{
				ID:           "loopAgent",
				Kind:         blueprint.KindRecursive,
				Dependencies: []string{"seed"},
				Payload: map[string]any{
					"agent_or_workflow_ref": "refiner",
					"recursive_sources":     []string{"seed", "loopAgent"},
					"convergence_condition": "${iteration} >= 3",
					"max_iterations":        5,
				},
			},
		},
	}

	reg := testRegistry(t)
	if err := reg.Register(registry.KindAgent, "refiner", func(map[string]any) (any, error) {
		return fakeAgent{}, nil
	}); err != nil {
		t.Fatalf("register refiner agent: %v", err)
	}

	_, errs := Compile(context.Background(), bp, reg)
	if len(errs) > 0 {
		t.Fatalf("expected sanctioned recursion to compile cleanly, got: %v", errs)
	}
}

type fakeAgent struct{}

func (fakeAgent) Decide(ctx context.Context, context map[string]any) (registry.Decision, error) {
	return registry.Decision{Done: true}, nil
}
func (fakeAgent) AllowedTools() []string { return nil }
func (fakeAgent) Observe(ctx context.Context, context map[string]any, result any) error {
	return nil
}

// TestCompile_UnresolvedTemplateRoot asserts a template placeholder whose
// root is neither a declared dependency nor a built-in fails compilation
// (§4.2 step 5).
func TestCompile_UnresolvedTemplateRoot(t *testing.T) {
	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("A", nil, map[string]any{}),
			toolNode("B", []string{"A"}, map[string]any{"msg": "${ghost.value}"}),
		},
	}

	_, errs := Compile(context.Background(), bp, testRegistry(t))
	if len(errs) == 0 {
		t.Fatal("expected an unresolved template root error, got none")
	}
}

// TestCompile_UnregisteredTool asserts a tool_name absent from the
// Registry is an error (Invariant 4).
func TestCompile_UnregisteredTool(t *testing.T) {
	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			{
				ID:      "A",
				Kind:    blueprint.KindTool,
				Payload: map[string]any{"tool_name": "does-not-exist", "tool_args": map[string]any{}},
			},
		},
	}

	_, errs := Compile(context.Background(), bp, registry.New())
	if len(errs) == 0 {
		t.Fatal("expected an unregistered-tool compile error, got none")
	}
}

// TestCompile_DeterministicBlueprintID asserts identical content compiles
// to the same BlueprintID regardless of node declaration order
// (Testable Property #4).
func TestCompile_DeterministicBlueprintID(t *testing.T) {
	n1 := toolNode("A", nil, map[string]any{"msg": "go"})
	n2 := toolNode("B", []string{"A"}, map[string]any{"msg": "${A.output}"})

	bp1 := &blueprint.Blueprint{SchemaVersion: blueprint.SchemaVersion, Nodes: []blueprint.NodeSpec{n1, n2}}
	bp2 := &blueprint.Blueprint{SchemaVersion: blueprint.SchemaVersion, Nodes: []blueprint.NodeSpec{n2, n1}}

	reg := testRegistry(t)
	p1, errs1 := Compile(context.Background(), bp1, reg)
	p2, errs2 := Compile(context.Background(), bp2, reg)
	if len(errs1) > 0 || len(errs2) > 0 {
		t.Fatalf("unexpected compile errors: %v / %v", errs1, errs2)
	}
	if p1.BlueprintID != p2.BlueprintID {
		t.Errorf("expected identical BlueprintID regardless of node order, got %s vs %s", p1.BlueprintID, p2.BlueprintID)
	}
}

// TestCompile_DuplicateNodeID asserts duplicate ids are always rejected.
func TestCompile_DuplicateNodeID(t *testing.T) {
	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("A", nil, map[string]any{}),
			toolNode("A", nil, map[string]any{}),
		},
	}

	_, errs := Compile(context.Background(), bp, testRegistry(t))
	if len(errs) == 0 {
		t.Fatal("expected a duplicate-id compile error, got none")
	}
}
