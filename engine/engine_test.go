package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/registry"
)

// fakeTool echoes its inputs, optionally failing its first N calls with a
// transient ToolError-shaped failure (S4's retry-then-succeed fixture).
type fakeTool struct {
	mu        sync.Mutex
	failFirst int
	calls     int
}

func (f *fakeTool) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call <= f.failFirst {
		return nil, fmt.Errorf("transient failure on call %d", call)
	}
	return inputs, nil
}
func (f *fakeTool) InputSchema() map[string]string  { return nil }
func (f *fakeTool) OutputSchema() map[string]string { return nil }

// fakeLLM returns a fixed text response per model, sleeping delay first so
// parallel-fan-out timing (S3) is observable.
type fakeLLM struct {
	text  string
	delay time.Duration
}

func (f fakeLLM) Generate(ctx context.Context, prompt string, config map[string]any) (registry.LLMResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return registry.LLMResult{Text: f.text}, nil
}

// sequenceTool returns a fresh canned output on each successive call,
// driving the recursion convergence fixture (S5).
type sequenceTool struct {
	mu      sync.Mutex
	outputs []map[string]any
	idx     int
}

func (s *sequenceTool) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outputs[s.idx]
	if s.idx < len(s.outputs)-1 {
		s.idx++
	}
	return out, nil
}
func (s *sequenceTool) InputSchema() map[string]string  { return nil }
func (s *sequenceTool) OutputSchema() map[string]string { return nil }

// fakeEstimator charges a fixed per-node cost regardless of kind/inputs.
type fakeEstimator struct{ costUSD float64 }

func (f fakeEstimator) Estimate(nodeID string, kind blueprint.Kind, effectiveInputs map[string]any) (float64, error) {
	return f.costUSD, nil
}

func toolNode(id string, deps []string, args map[string]any) blueprint.NodeSpec {
	return blueprint.NodeSpec{
		ID:           id,
		Kind:         blueprint.KindTool,
		Dependencies: deps,
		Payload:      map[string]any{"tool_name": "echo", "tool_args": args},
	}
}

func compileOrFail(t *testing.T, bp *blueprint.Blueprint, reg *registry.Registry) *compiler.Plan {
	t.Helper()
	plan, errs := compiler.Compile(context.Background(), bp, reg)
	if len(errs) > 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}
	return plan
}

func budgetPtr(v float64) *float64 { return &v }

// TestEngine_ToolToLLMEcho is S1: a two-node tool -> llm chain, expecting
// a successful run whose llm node sees the tool's output rendered into
// its prompt.
func TestEngine_ToolToLLMEcho(t *testing.T) {
	reg := registry.New()
	must(t, reg.Register(registry.KindTool, "echo", func(map[string]any) (any, error) { return &fakeTool{}, nil }))
	must(t, reg.Register(registry.KindLLMProvider, "stub-model", func(map[string]any) (any, error) { return fakeLLM{text: "ok"}, nil }))

	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("t1", nil, map[string]any{"msg": "hi"}),
			{
				ID:           "l1",
				Kind:         blueprint.KindLLM,
				Dependencies: []string{"t1"},
				Payload: map[string]any{
					"model":           "stub-model",
					"prompt_template": "echo back: ${t1.msg}",
					"llm_config":      map[string]any{},
				},
			},
		},
	}
	plan := compileOrFail(t, bp, reg)

	e := New(reg, nil, nil, nil)
	result := e.Run(context.Background(), plan, map[string]any{}, Options{}).AwaitCompletion()
	if !result.Success {
		t.Fatalf("expected run to succeed, got terminated_reason=%s firstErr=%v", result.TerminatedReason, result.FirstError)
	}
	l1, ok := result.Context.Result("l1")
	if !ok || l1.Output["text"] != "ok" {
		t.Fatalf("expected l1 output text=ok, got %+v ok=%v", l1, ok)
	}
}

// TestEngine_ConditionPruning is S2: a condition node prunes its
// false_branch descendant, which must report NodeSkipped and never run.
func TestEngine_ConditionPruning(t *testing.T) {
	reg := registry.New()
	must(t, reg.Register(registry.KindTool, "echo", func(map[string]any) (any, error) { return &fakeTool{}, nil }))

	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("seed", nil, map[string]any{}),
			{
				ID:           "gate",
				Kind:         blueprint.KindCondition,
				Dependencies: []string{"seed"},
				Payload: map[string]any{
					"expression":   "true",
					"true_branch":  []string{"onTrue"},
					"false_branch": []string{"onFalse"},
				},
			},
			toolNode("onTrue", []string{"gate"}, map[string]any{}),
			toolNode("onFalse", []string{"gate"}, map[string]any{}),
		},
	}
	plan := compileOrFail(t, bp, reg)

	e := New(reg, nil, nil, nil)
	result := e.Run(context.Background(), plan, map[string]any{}, Options{}).AwaitCompletion()
	if !result.Success {
		t.Fatalf("expected run to succeed, got %+v", result)
	}
	onTrue, _ := result.Context.Result("onTrue")
	if !onTrue.Succeeded() {
		t.Fatalf("expected onTrue to run successfully, got %+v", onTrue)
	}
	onFalse, ok := result.Context.Result("onFalse")
	if !ok || onFalse.Attempts != 0 {
		t.Fatalf("expected onFalse to be recorded as skipped (attempts=0), got ok=%v %+v", ok, onFalse)
	}
}

// TestEngine_ParallelFanOutTiming is S3: three 200ms llm branches bounded
// to run concurrently must complete well under their serial sum.
func TestEngine_ParallelFanOutTiming(t *testing.T) {
	reg := registry.New()
	must(t, reg.Register(registry.KindLLMProvider, "slow-model", func(map[string]any) (any, error) {
		return fakeLLM{text: "done", delay: 200 * time.Millisecond}, nil
	}))

	branchNode := func(id string) blueprint.NodeSpec {
		return blueprint.NodeSpec{
			ID:   id,
			Kind: blueprint.KindLLM,
			Payload: map[string]any{
				"model":           "slow-model",
				"prompt_template": "go",
				"llm_config":      map[string]any{},
			},
		}
	}

	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			branchNode("b1"), branchNode("b2"), branchNode("b3"),
			{
				ID:   "fanout",
				Kind: blueprint.KindParallel,
				Payload: map[string]any{
					"branches":        [][]string{{"b1"}, {"b2"}, {"b3"}},
					"max_concurrency": 3,
				},
			},
		},
	}
	// b1/b2/b3 are owned by fanout's branches payload, not by an ordinary
	// dependency edge — the parallel node's own sub-scheduling is what
	// runs them, concurrently, each in its own subrun.
	plan := compileOrFail(t, bp, reg)

	e := New(reg, nil, nil, nil)
	start := time.Now()
	result := e.Run(context.Background(), plan, map[string]any{}, Options{}).AwaitCompletion()
	elapsed := time.Since(start)
	if !result.Success {
		t.Fatalf("expected run to succeed, got %+v", result)
	}
	if elapsed < 200*time.Millisecond {
		t.Fatalf("expected at least one branch's 200ms delay to elapse, took %s", elapsed)
	}
	if elapsed >= 400*time.Millisecond {
		t.Fatalf("expected concurrent branches to finish well under their serial sum, took %s", elapsed)
	}

	fanout, ok := result.Context.Result("fanout")
	if !ok || !fanout.Succeeded() {
		t.Fatalf("expected fanout to succeed, got ok=%v %+v", ok, fanout)
	}
	branches, _ := fanout.Output["branches"].(map[string]any)
	if len(branches) != 3 {
		t.Fatalf("expected 3 aggregated branch outputs, got %v", branches)
	}
}

// TestEngine_RetryThenSucceed is S4: a tool failing its first attempt then
// succeeding on the second must report NodeFinished{success=true, attempts=2}.
func TestEngine_RetryThenSucceed(t *testing.T) {
	reg := registry.New()
	tool := &fakeTool{failFirst: 1}
	must(t, reg.Register(registry.KindTool, "flaky", func(map[string]any) (any, error) { return tool, nil }))

	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			{
				ID:      "retryable",
				Kind:    blueprint.KindTool,
				Payload: map[string]any{"tool_name": "flaky", "tool_args": map[string]any{}},
				RetryPolicy: &blueprint.RetryPolicy{
					MaxAttempts:   3,
					RetryOn:       []string{"ToolError"},
					BackoffBaseMS: 10,
					BackoffFactor: 2,
				},
			},
		},
	}
	plan := compileOrFail(t, bp, reg)

	e := New(reg, nil, nil, nil)
	sink := NewChannelSink(32)
	handle := e.Run(context.Background(), plan, map[string]any{}, Options{EventSink: sink})
	result := handle.AwaitCompletion()
	if !result.Success {
		t.Fatalf("expected run to succeed after retry, got %+v", result)
	}
	res, ok := result.Context.Result("retryable")
	if !ok || res.Attempts != 2 {
		t.Fatalf("expected attempts=2, got ok=%v %+v", ok, res)
	}

	var attemptEvents int
	for ev := range sink.Events() {
		if ev.Type == EventNodeAttempt {
			attemptEvents++
		}
	}
	if attemptEvents != 1 {
		t.Errorf("expected exactly one NodeAttempt event (the retry), got %d", attemptEvents)
	}
}

// TestEngine_RecursionConvergence is S5: a recursive node re-running
// n_propose until its score clears 0.8 must converge on iteration 3.
func TestEngine_RecursionConvergence(t *testing.T) {
	reg := registry.New()
	seq := &sequenceTool{outputs: []map[string]any{
		{"score": 0.5}, {"score": 0.7}, {"score": 0.9},
	}}
	must(t, reg.Register(registry.KindTool, "propose", func(map[string]any) (any, error) { return seq, nil }))
	must(t, reg.Register(registry.KindAgent, "refiner", func(map[string]any) (any, error) { return nil, nil }))

	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			toolNode("n_propose", nil, map[string]any{"tool_name": "propose"}),
			{
				ID:           "refine",
				Kind:         blueprint.KindRecursive,
				Dependencies: []string{"n_propose"},
				Payload: map[string]any{
					"agent_or_workflow_ref": "refiner",
					"recursive_sources":    []string{"n_propose"},
					"convergence_condition": "${accumulator.score} >= 0.8",
					"max_iterations":        5,
				},
			},
		},
	}
	// toolNode always sets tool_name "echo"; rebuild n_propose's payload so
	// it calls the "propose" tool instead.
	bp.Nodes[0].Payload = map[string]any{"tool_name": "propose", "tool_args": map[string]any{}}

	plan := compileOrFail(t, bp, reg)

	e := New(reg, nil, nil, nil)
	result := e.Run(context.Background(), plan, map[string]any{}, Options{}).AwaitCompletion()
	if !result.Success {
		t.Fatalf("expected run to succeed, got terminated_reason=%s firstErr=%v", result.TerminatedReason, result.FirstError)
	}
	refine, ok := result.Context.Result("refine")
	if !ok {
		t.Fatal("expected a recorded result for refine")
	}
	if refine.Output["converged"] != true {
		t.Fatalf("expected converged=true, got %+v", refine.Output)
	}
	if refine.Output["iterations"] != 3 {
		t.Fatalf("expected iterations=3, got %+v", refine.Output["iterations"])
	}
}

// TestEngine_BudgetPreflightTrip is S6: three sequential llm nodes with
// budget_usd=0.01 and a 0.004-per-node estimator must let the first two
// succeed and trip BudgetExceeded on the third, before it executes.
func TestEngine_BudgetPreflightTrip(t *testing.T) {
	reg := registry.New()
	must(t, reg.Register(registry.KindLLMProvider, "stub-model", func(map[string]any) (any, error) { return fakeLLM{text: "ok"}, nil }))

	llmNode := func(id string, deps []string) blueprint.NodeSpec {
		return blueprint.NodeSpec{
			ID:           id,
			Kind:         blueprint.KindLLM,
			Dependencies: deps,
			Payload: map[string]any{
				"model":           "stub-model",
				"prompt_template": "go",
				"llm_config":      map[string]any{},
			},
		}
	}

	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			llmNode("l1", nil),
			llmNode("l2", []string{"l1"}),
			llmNode("l3", []string{"l2"}),
		},
	}
	plan := compileOrFail(t, bp, reg)

	e := New(reg, nil, fakeEstimator{costUSD: 0.004}, nil)
	result := e.Run(context.Background(), plan, map[string]any{}, Options{BudgetUSD: budgetPtr(0.01)}).AwaitCompletion()

	if result.Success {
		t.Fatal("expected run to fail on budget exhaustion")
	}
	if result.TerminatedReason != "BudgetExceeded" {
		t.Fatalf("expected terminated_reason=BudgetExceeded, got %s", result.TerminatedReason)
	}
	l1, _ := result.Context.Result("l1")
	l2, _ := result.Context.Result("l2")
	l3, ok := result.Context.Result("l3")
	if !l1.Succeeded() || !l2.Succeeded() {
		t.Fatalf("expected l1 and l2 to succeed, got l1=%+v l2=%+v", l1, l2)
	}
	if !ok || l3.Succeeded() || l3.Err.Kind != "BudgetExceeded" {
		t.Fatalf("expected l3 to fail with BudgetExceeded, got ok=%v %+v", ok, l3)
	}
}

// TestEngine_CancelMidRun exercises RunHandle.Cancel: a run cancelled
// while its first node is still in flight must report Success=false and
// Cancelled=true with the caller's reason, and must never start the
// dependent node pending in the next level.
func TestEngine_CancelMidRun(t *testing.T) {
	reg := registry.New()
	must(t, reg.Register(registry.KindLLMProvider, "slow-model", func(map[string]any) (any, error) {
		return fakeLLM{text: "done", delay: 300 * time.Millisecond}, nil
	}))
	must(t, reg.Register(registry.KindTool, "echo", func(map[string]any) (any, error) { return &fakeTool{}, nil }))

	bp := &blueprint.Blueprint{
		SchemaVersion: blueprint.SchemaVersion,
		Nodes: []blueprint.NodeSpec{
			{
				ID:   "slow",
				Kind: blueprint.KindLLM,
				Payload: map[string]any{
					"model":           "slow-model",
					"prompt_template": "go",
					"llm_config":      map[string]any{},
				},
			},
			toolNode("dependent", []string{"slow"}, map[string]any{}),
		},
	}
	plan := compileOrFail(t, bp, reg)

	e := New(reg, nil, nil, nil)
	handle := e.Run(context.Background(), plan, map[string]any{}, Options{})
	time.Sleep(30 * time.Millisecond)
	handle.Cancel("user requested stop")
	result := handle.AwaitCompletion()

	if result.Success {
		t.Fatalf("expected cancelled run to report Success=false, got %+v", result)
	}
	if !result.Cancelled {
		t.Fatalf("expected Cancelled=true, got %+v", result)
	}
	if result.TerminatedReason != "user requested stop" {
		t.Fatalf("expected terminated_reason=%q, got %q", "user requested stop", result.TerminatedReason)
	}
	if _, ok := result.Context.Result("dependent"); ok {
		t.Fatalf("expected dependent node to never start after cancel, but it has a recorded result")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
