// Package registry implements the process-wide, content-addressable
// catalog of factories described in spec §4.1: a mapping
// (kind, name) -> factory, resolved and instantiated fresh per request.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lyzr/workflowcore/internal/corekind"
)

// Kind identifies what a registered factory produces. It mirrors
// blueprint.Kind for tool/agent/workflow and adds llm-provider, which has
// no corresponding NodeSpec kind (it's resolved by model name from an
// "llm" node, not registered as a node kind itself).
type Kind string

const (
	KindTool        Kind = "tool"
	KindAgent       Kind = "agent"
	KindWorkflow    Kind = "workflow"
	KindLLMProvider Kind = "llm-provider"
)

// Factory constructs a fresh instance given instantiation parameters. It
// must not retain parameters beyond the call; the returned instance is
// owned by the caller for the lifetime of one node execution.
type Factory func(parameters map[string]any) (any, error)

type entry struct {
	factory Factory
	fnPtr   uintptr
}

type key struct {
	kind Kind
	name string
}

// Registry holds factories keyed by (kind, name). Registration serializes
// against other registrations; resolution reads a stable, lock-free
// snapshot (copy-on-write), so resolvers never block on a writer and
// never observe a partially-updated map.
type Registry struct {
	mu       sync.Mutex                     // serializes writers only
	snapshot atomic.Pointer[map[key]entry] // read without locking
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	empty := map[key]entry{}
	r.snapshot.Store(&empty)
	return r
}

func (r *Registry) load() map[key]entry {
	return *r.snapshot.Load()
}

// Register adds a factory under (kind, name). Re-registering the same
// (kind, name) with the identical factory function is a no-op. Attempting
// to register a different factory under an already-used (kind, name)
// fails with AlreadyRegistered. Names are case-sensitive.
func (r *Registry) Register(k Kind, name string, f Factory) error {
	if name == "" {
		return corekind.New(corekind.FactoryError, "", "registration name must not be empty")
	}
	if f == nil {
		return corekind.New(corekind.FactoryError, "", "registration factory must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	kk := key{kind: k, name: name}
	ptr := reflect.ValueOf(f).Pointer()

	if existing, ok := cur[kk]; ok {
		if existing.fnPtr == ptr {
			return nil // idempotent re-registration
		}
		return corekind.New(corekind.AlreadyRegistered, "",
			"factory already registered for kind=%s name=%s", k, name)
	}

	next := make(map[key]entry, len(cur)+1)
	for kk2, v := range cur {
		next[kk2] = v
	}
	next[kk] = entry{factory: f, fnPtr: ptr}
	r.snapshot.Store(&next)
	return nil
}

// Handle is an opaque, resolved reference to a registered factory.
type Handle struct {
	Kind Kind
	Name string
	fn   Factory
}

// Resolve looks up a factory handle by (kind, name).
func (r *Registry) Resolve(k Kind, name string) (Handle, error) {
	cur := r.load()
	e, ok := cur[key{kind: k, name: name}]
	if !ok {
		return Handle{}, corekind.New(corekind.NotFound, "", "no %s factory registered under name %q", k, name)
	}
	return Handle{Kind: k, Name: name, fn: e.factory}, nil
}

// Instantiate calls the factory behind h and verifies the result
// satisfies the capability set required for h.Kind.
func (r *Registry) Instantiate(h Handle, parameters map[string]any) (any, error) {
	if h.fn == nil {
		return nil, corekind.New(corekind.NotFound, "", "handle is not bound to a factory")
	}

	instance, err := safeInvoke(h.fn, parameters)
	if err != nil {
		return nil, corekind.Wrap(corekind.FactoryError, "", err,
			"factory for %s/%s raised during instantiation", h.Kind, h.Name)
	}

	if err := checkCapability(h.Kind, instance); err != nil {
		return nil, corekind.Wrap(corekind.CapabilityMismatch, "", err,
			"instance produced for %s/%s does not satisfy required capabilities", h.Kind, h.Name)
	}

	return instance, nil
}

// safeInvoke calls f, converting a panic raised by a misbehaving factory
// into a plain error so Instantiate can classify it as FactoryError
// rather than crashing the caller.
func safeInvoke(f Factory, parameters map[string]any) (instance any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("factory panicked: %v", p)
		}
	}()
	return f(parameters)
}

func checkCapability(k Kind, instance any) error {
	switch k {
	case KindTool:
		if _, ok := instance.(Tool); !ok {
			return fmt.Errorf("does not implement registry.Tool")
		}
	case KindAgent:
		if _, ok := instance.(Agent); !ok {
			return fmt.Errorf("does not implement registry.Agent")
		}
	case KindWorkflow:
		if _, ok := instance.(Workflow); !ok {
			return fmt.Errorf("does not implement registry.Workflow")
		}
	case KindLLMProvider:
		if _, ok := instance.(LLMProvider); !ok {
			return fmt.Errorf("does not implement registry.LLMProvider")
		}
	default:
		return fmt.Errorf("unknown capability kind %q", k)
	}
	return nil
}

// List returns registered names, optionally filtered by kind. Results are
// sorted for deterministic output.
func (r *Registry) List(k *Kind) []string {
	cur := r.load()
	seen := make(map[string]bool)
	for kk := range cur {
		if k != nil && kk.kind != *k {
			continue
		}
		seen[kk.name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
