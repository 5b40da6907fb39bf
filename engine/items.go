package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lyzr/workflowcore/internal/corekind"
)

// itemsEvaluator compiles and runs a loop node's items_source expression
// (after template binding has already substituted upstream values into
// it) to produce the list the loop body iterates over. expr-lang is used
// here rather than CEL because items_source legitimately needs list
// construction/filtering idioms (e.g. `results | filter(...)`) that the
// convergence evaluator's pure relational subset deliberately excludes.
type itemsEvaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func newItemsEvaluator() *itemsEvaluator {
	return &itemsEvaluator{cache: make(map[string]*vm.Program)}
}

// Eval compiles (once, cached by source text) and runs exprSrc, requiring
// the result to be a JSON-list-shaped []any. Loop bodies may run
// concurrently (a loop nested inside a parallel branch, or parallel
// branches each containing a loop), so the program cache is mutex-guarded
// like the convergence evaluator's.
func (e *itemsEvaluator) Eval(nodeID, exprSrc string, env map[string]any) ([]any, error) {
	e.mu.Lock()
	prog, ok := e.cache[exprSrc]
	e.mu.Unlock()
	if !ok {
		var err error
		prog, err = expr.Compile(exprSrc, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, corekind.Wrap(corekind.ValidationError, nodeID, err, "items_source failed to compile")
		}
		e.mu.Lock()
		e.cache[exprSrc] = prog
		e.mu.Unlock()
	}

	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, nodeID, err, "items_source evaluation failed")
	}

	switch v := out.(type) {
	case []any:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, corekind.New(corekind.ValidationError, nodeID,
			"items_source must evaluate to a list, got %T: %v", out, fmt.Sprintf("%v", v))
	}
}
