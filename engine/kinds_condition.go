package engine

import (
	"context"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
)

// executeCondition implements §4.3 step 4 "condition": evaluate the
// (already template-bound, fully literal) boolean expression and prune
// the non-selected branch's descendants. The expression arrives here
// with every ${...} placeholder already substituted by the binder as a
// quoted/bare CEL literal (template.go's isExpressionField), so the CEL
// environment needs no declared variables at all — §9's "safe subset"
// narrowing applies identically to the function-call denylist the
// convergence evaluator uses.
func (r *run) executeCondition(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	expr, ok := in["expression"].(string)
	if !ok {
		// a bare ${...} expression binds the resolved value itself
		expr = literalize(in["expression"])
	}
	if functionCallPattern.MatchString(expr) {
		return nil, corekind.New(corekind.ValidationError, pn.ID, "expression %q is not allowed to contain function calls", expr)
	}

	env, err := cel.NewEnv()
	if err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, err, "failed to create condition CEL env")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, issues.Err(), "condition expression failed to compile")
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, err, "condition expression failed to build")
	}
	out, _, err := prg.Eval(map[string]any{})
	if err != nil {
		return nil, corekind.Wrap(corekind.ValidationError, pn.ID, err, "condition expression evaluation failed")
	}
	result, ok := out.Value().(bool)
	if !ok {
		return nil, corekind.New(corekind.ValidationError, pn.ID, "condition expression did not evaluate to a boolean, got %T", out.Value())
	}

	trueBranch := toStringSlice(pn.Payload["true_branch"])
	falseBranch := toStringSlice(pn.Payload["false_branch"])
	if result {
		r.markSkippedTransitively(falseBranch)
	} else {
		r.markSkippedTransitively(trueBranch)
	}

	return map[string]any{"result": result}, nil
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
