package engine

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/internal/tmplexpr"
)

// convergenceEvaluator compiles and caches convergence_condition
// expressions for "recursive" nodes, restricted to the small pure subset
// §9 demands: boolean/relational operators, numeric/string literals,
// attribute/index access against {iteration, accumulator,
// recursive_context} — no function calls, no name lookup beyond that
// projection. Grounded on the condition package's CEL evaluator, with an
// added denylist since the teacher's evaluator imposes no such
// restriction.
type convergenceEvaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
	env   *cel.Env
}

// functionCallPattern flags anything that looks like a named function
// call (an identifier immediately followed by "(") so expressions like
// `size(accumulator.items)` or `has(accumulator.x)` are rejected before
// ever reaching the CEL compiler.
var functionCallPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*\s*\(`)

func newConvergenceEvaluator() (*convergenceEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("iteration", cel.IntType),
		cel.Variable("accumulator", cel.DynType),
		cel.Variable("recursive_context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create convergence CEL env: %w", err)
	}
	return &convergenceEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate compiles (once, cached) and runs a raw convergence_condition
// field — still carrying its "${...}" wrapping, e.g.
// "${accumulator.score} > 0.9" — against the recursion projection,
// returning the boolean stop decision. This evaluator deliberately
// bypasses the generic Template Binder (template.go): convergence_condition
// is the one field whose variables are only ever bound inside the
// recursion loop's own per-iteration projection, never during a node's
// ordinary bind-before-execute pass (compiler/wiring.go's compiledBindings
// excludes it from the compiled binding list for this reason). Since the
// compiler's static check already restricts every placeholder root here
// to {iteration, accumulator, recursive_context}, stripping the "${" "}"
// wrapper and leaving the inner dotted/indexed path as-is already
// produces valid CEL attribute/index syntax.
func (c *convergenceEvaluator) Evaluate(nodeID, rawExpr string, iteration int, accumulator, recursiveContext map[string]any) (bool, error) {
	if functionCallPattern.MatchString(rawExpr) {
		return false, corekind.New(corekind.ValidationError, nodeID,
			"convergence_condition %q is not allowed to contain function calls", rawExpr)
	}

	expr, err := stripPlaceholders(rawExpr)
	if err != nil {
		return false, corekind.Wrap(corekind.ValidationError, nodeID, err, "convergence_condition failed to parse")
	}

	prg, err := c.compiled(nodeID, expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"iteration":         iteration,
		"accumulator":       accumulator,
		"recursive_context": recursiveContext,
	})
	if err != nil {
		return false, corekind.Wrap(corekind.ValidationError, nodeID, err, "convergence_condition evaluation failed")
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, corekind.New(corekind.ValidationError, nodeID,
			"convergence_condition %q did not evaluate to a boolean, got %T", expr, out.Value())
	}
	return result, nil
}

// stripPlaceholders rewrites every "${expr}" occurrence in s to its bare
// inner text "expr", which is already valid CEL attribute/index syntax
// for the {iteration, accumulator, recursive_context} projection.
func stripPlaceholders(s string) (string, error) {
	placeholders, errs := tmplexpr.FindAll(s)
	if len(errs) > 0 {
		return "", errs[0]
	}
	out := s
	for _, ph := range placeholders {
		out = replaceOnce(out, ph.Raw, ph.Expr)
	}
	return out, nil
}

func (c *convergenceEvaluator) compiled(nodeID, expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, corekind.Wrap(corekind.ValidationError, nodeID, issues.Err(), "convergence_condition failed to compile")
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, nodeID, err, "convergence_condition failed to build program")
	}

	c.mu.Lock()
	c.cache[expr] = prg
	c.mu.Unlock()
	return prg, nil
}
