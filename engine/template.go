package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/internal/tmplexpr"
)

// binder resolves the compiled TemplateBinding list attached to a
// PlanNode against a RunContext (§4.4 Template Binder). It uses the same
// tmplexpr grammar the Compiler validated at compile time; a
// TemplateBinding carries only the raw source expression, so bindAll
// parses it again on every bind.
type binder struct {
	rc *RunContext
}

func newBinder(rc *RunContext) *binder {
	return &binder{rc: rc}
}

// bindAll resolves every placeholder in the node's compiled bindings and
// writes the resolved values into a copy of the node's raw payload,
// producing the effective input object the lifecycle's Execute step
// consumes (§4.3 step 1: "compose the effective input object from (a)
// declarative payload, (b) resolved template values, (c) iteration-local
// item/index if applicable").
func (b *binder) bindAll(payload map[string]any, bindings []compiler.TemplateBinding) (map[string]any, error) {
	effective := deepCopyMap(payload)
	for _, bind := range bindings {
		placeholders, parseErrs := tmplexpr.FindAll(bind.SourceExpression)
		if len(parseErrs) > 0 {
			return nil, corekind.New(corekind.UnresolvedBinding, "", "malformed binding %q: %v", bind.SourceExpression, parseErrs[0])
		}

		resolvedExpr := bind.SourceExpression
		bareVal, isBare := tmplexpr.IsBarePlaceholder(bind.SourceExpression)

		for _, ph := range placeholders {
			val, err := b.resolvePlaceholder(ph)
			if err != nil {
				return nil, err
			}
			if isBare && ph.Raw == bareVal.Raw {
				if err := setPath(effective, bind.ParameterPath, val); err != nil {
					return nil, err
				}
				continue
			}
			// non-bare: interpolate as a string substitution. expr-ish
			// fields (expression/items_source) need CEL/expr-safe
			// literal syntax, e.g. a string value quoted; free-text
			// fields (prompt_template, nested tool_args strings) get a
			// plain textual substitution.
			if isExpressionField(bind.ParameterPath) {
				resolvedExpr = replaceOnce(resolvedExpr, ph.Raw, literalize(val))
			} else {
				resolvedExpr = replaceOnce(resolvedExpr, ph.Raw, stringify(val))
			}
		}
		if !isBare {
			if err := setPath(effective, bind.ParameterPath, resolvedExpr); err != nil {
				return nil, err
			}
		}
	}
	return effective, nil
}

// resolvePlaceholder resolves one ${...} placeholder's root+segments
// against the run's built-ins and recorded node results.
func (b *binder) resolvePlaceholder(ph tmplexpr.Placeholder) (any, error) {
	switch ph.Root {
	case "inputs":
		return gjsonLookup(b.rc.InitialInputs, ph.Segments, ph.Raw)
	case "item", "index", "iteration", "accumulator", "recursive_context":
		v, ok := b.rc.Scope(ph.Root)
		if !ok {
			return nil, corekind.New(corekind.UnresolvedBinding, "", "%q is not bound in the current scope", ph.Raw)
		}
		if len(ph.Segments) == 0 {
			return v, nil
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, corekind.New(corekind.UnresolvedBinding, "", "%q cannot be indexed: %T is not an object", ph.Raw, v)
		}
		return gjsonLookup(m, ph.Segments, ph.Raw)
	default:
		result, ok := b.rc.Result(ph.Root)
		if !ok {
			return nil, corekind.New(corekind.UnresolvedBinding, "", "%q references node %q with no recorded result", ph.Raw, ph.Root)
		}
		if !result.Succeeded() {
			return nil, corekind.New(corekind.UnresolvedBinding, "", "%q references node %q which did not succeed", ph.Raw, ph.Root)
		}
		return gjsonLookup(result.Output, ph.Segments, ph.Raw)
	}
}

func gjsonLookup(m map[string]any, segments []string, raw string) (any, error) {
	if len(segments) == 0 {
		return m, nil
	}
	raw2, err := json.Marshal(m)
	if err != nil {
		return nil, corekind.New(corekind.UnresolvedBinding, "", "%q: failed to marshal source object: %v", raw, err)
	}
	path := tmplexpr.GJSONPath(segments)
	res := gjson.GetBytes(raw2, path)
	if !res.Exists() {
		return nil, corekind.New(corekind.UnresolvedBinding, "", "%q: path %q not found", raw, path)
	}
	return res.Value(), nil
}

// setPath assigns val at a dotted/indexed parameter path inside effective
// (e.g. "tool_args.msg" or "prompt_template"). Only plain dotted paths
// over map[string]any are supported — the paths compiledBindings
// produces never carry array-index syntax, since tool_args scanning
// already flattens to the leaf string.
func setPath(effective map[string]any, path string, val any) error {
	segs := splitDotted(path)
	cur := effective
	for i := 0; i < len(segs)-1; i++ {
		next, ok := cur[segs[i]].(map[string]any)
		if !ok {
			return corekind.New(corekind.UnresolvedBinding, "", "parameter path %q does not address an object at %q", path, segs[i])
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = val
	return nil
}

func splitDotted(path string) []string {
	var out []string
	start := 0
	depth := 0
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '.':
			if depth == 0 {
				out = append(out, trimIndex(path[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, trimIndex(path[start:]))
	return out
}

// trimIndex strips a trailing "[N]" array-index suffix a field path like
// "branches[0]" might carry, since setPath only ever targets the
// containing map, not individual array slots.
func trimIndex(seg string) string {
	if i := strings.IndexByte(seg, '['); i >= 0 {
		return seg[:i]
	}
	return seg
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// isExpressionField reports whether path names a field whose resolved
// template text is later parsed as an expression (CEL for "expression"
// and "convergence_condition", expr-lang for "items_source") rather than
// consumed as free text.
func isExpressionField(path string) bool {
	switch path {
	case "expression", "items_source", "convergence_condition":
		return true
	default:
		return false
	}
}

// literalize renders v as an expression-language literal: strings are
// quoted, everything else is passed through its JSON representation
// (which already matches CEL/expr-lang literal syntax for numbers,
// booleans, and null).
func literalize(v any) string {
	if s, ok := v.(string); ok {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprintf("%q", s)
		}
		return string(b)
	}
	return stringify(v)
}

func stringify(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	default:
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Sprintf("%v", vv)
		}
		return string(b)
	}
}

func replaceOnce(s, old, new string) string {
	return strings.Replace(s, old, new, 1)
}
