package registry

import (
	"context"
	"sync"
	"testing"
)

type fakeTool struct{ name string }

func (f *fakeTool) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"echo": inputs}, nil
}
func (f *fakeTool) InputSchema() map[string]string  { return nil }
func (f *fakeTool) OutputSchema() map[string]string { return nil }

func echoToolFactory(params map[string]any) (any, error) {
	return &fakeTool{name: "echo"}, nil
}

func notATool(params map[string]any) (any, error) {
	return "not a tool", nil
}

func TestRegisterResolveInstantiate(t *testing.T) {
	r := New()
	if err := r.Register(KindTool, "echo_tool", echoToolFactory); err != nil {
		t.Fatalf("register: %v", err)
	}
	h, err := r.Resolve(KindTool, "echo_tool")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	inst, err := r.Instantiate(h, nil)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if _, ok := inst.(Tool); !ok {
		t.Fatalf("expected instance to satisfy Tool")
	}
}

func TestRegister_IdempotentSameFactory(t *testing.T) {
	r := New()
	if err := r.Register(KindTool, "echo_tool", echoToolFactory); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(KindTool, "echo_tool", echoToolFactory); err != nil {
		t.Fatalf("idempotent re-register should be a no-op, got: %v", err)
	}
}

func TestRegister_ConflictingFactoryRejected(t *testing.T) {
	r := New()
	if err := r.Register(KindTool, "echo_tool", echoToolFactory); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(KindTool, "echo_tool", notATool)
	if err == nil {
		t.Fatalf("expected AlreadyRegistered for conflicting factory")
	}
}

func TestResolve_NotFound(t *testing.T) {
	r := New()
	_, err := r.Resolve(KindTool, "missing")
	if err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestInstantiate_CapabilityMismatch(t *testing.T) {
	r := New()
	if err := r.Register(KindTool, "bad_tool", notATool); err != nil {
		t.Fatalf("register: %v", err)
	}
	h, err := r.Resolve(KindTool, "bad_tool")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err = r.Instantiate(h, nil)
	if err == nil {
		t.Fatalf("expected CapabilityMismatch")
	}
}

func TestInstantiate_FactoryPanicBecomesFactoryError(t *testing.T) {
	r := New()
	panicky := func(params map[string]any) (any, error) { panic("boom") }
	if err := r.Register(KindTool, "panicky", panicky); err != nil {
		t.Fatalf("register: %v", err)
	}
	h, _ := r.Resolve(KindTool, "panicky")
	_, err := r.Instantiate(h, nil)
	if err == nil {
		t.Fatalf("expected FactoryError from panic recovery")
	}
}

func TestList_FiltersByKindAndSorts(t *testing.T) {
	r := New()
	_ = r.Register(KindTool, "zeta", echoToolFactory)
	_ = r.Register(KindTool, "alpha", echoToolFactory)
	_ = r.Register(KindAgent, "planner", func(map[string]any) (any, error) { return nil, nil })

	toolKind := KindTool
	names := r.List(&toolKind)
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %v", names)
	}
}

func TestRegister_ConcurrentIdempotentRegistrationsDoNotDeadlock(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Register(KindTool, "shared", echoToolFactory)
		}()
	}
	wg.Wait()
	if _, err := r.Resolve(KindTool, "shared"); err != nil {
		t.Fatalf("resolve after concurrent registration: %v", err)
	}
}
