package compiler

import (
	"fmt"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/internal/tmplexpr"
)

var generalBuiltins = map[string]bool{"inputs": true, "item": true, "index": true}
var itemsSourceBuiltins = map[string]bool{"inputs": true}
var convergenceBuiltins = map[string]bool{"iteration": true, "accumulator": true, "recursive_context": true}

// templateField is one string field of a NodeSpec's payload that may
// carry ${...} placeholders, per §4.2 step 5's authoritative list.
type templateField struct {
	path     string
	value    string
	builtins map[string]bool
	// depsAllowed: whether upstream node ids (not just builtins) are
	// valid roots for this field. convergence_condition is the one
	// exception: it resolves only against the recursion projection.
	depsAllowed bool
}

func templateFields(n blueprint.NodeSpec) []templateField {
	var fields []templateField
	switch n.Kind {
	case blueprint.KindTool:
		var p blueprint.ToolPayload
		if err := n.DecodePayload(&p); err == nil {
			fields = append(fields, scanArgs("tool_args", p.ToolArgs, generalBuiltins, true)...)
		}
	case blueprint.KindLLM:
		var p blueprint.LLMPayload
		if err := n.DecodePayload(&p); err == nil {
			fields = append(fields, templateField{"prompt_template", p.PromptTemplate, generalBuiltins, true})
		}
	case blueprint.KindCondition:
		var p blueprint.ConditionPayload
		if err := n.DecodePayload(&p); err == nil {
			fields = append(fields, templateField{"expression", p.Expression, generalBuiltins, true})
		}
	case blueprint.KindLoop:
		var p blueprint.LoopPayload
		if err := n.DecodePayload(&p); err == nil {
			fields = append(fields, templateField{"items_source", p.ItemsSource, itemsSourceBuiltins, true})
		}
	case blueprint.KindRecursive:
		var p blueprint.RecursivePayload
		if err := n.DecodePayload(&p); err == nil {
			fields = append(fields, templateField{"convergence_condition", p.ConvergenceCondition, convergenceBuiltins, false})
		}
	}
	return fields
}

// scanArgs flattens a nested tool_args map into dotted field paths so
// each string value can be checked independently.
func scanArgs(prefix string, args map[string]any, builtins map[string]bool, depsAllowed bool) []templateField {
	var out []templateField
	var walk func(p string, v any)
	walk = func(p string, v any) {
		switch vv := v.(type) {
		case string:
			out = append(out, templateField{p, vv, builtins, depsAllowed})
		case map[string]any:
			for k, sub := range vv {
				walk(p+"."+k, sub)
			}
		case []any:
			for i, sub := range vv {
				walk(fmt.Sprintf("%s[%d]", p, i), sub)
			}
		}
	}
	walk(prefix, args)
	return out
}

// checkWiring implements §4.2 step 5 for a single node: every ${path}
// placeholder's root identifier must be a declared dependency or a
// built-in binding valid for that field.
func checkWiring(n blueprint.NodeSpec, deps map[string]bool) []CompileError {
	var errs []CompileError
	for _, f := range templateFields(n) {
		if f.value == "" {
			continue
		}
		placeholders, parseErrs := tmplexpr.FindAll(f.value)
		for _, pe := range parseErrs {
			errs = append(errs, errPath(n.ID, f.path, "malformed template expression: %v", pe))
		}
		for _, ph := range placeholders {
			if f.builtins[ph.Root] {
				continue
			}
			if f.depsAllowed && deps[ph.Root] {
				continue
			}
			errs = append(errs, errPath(n.ID, f.path,
				"template root %q is neither a declared dependency nor a valid built-in for this field", ph.Root))
		}
	}
	return errs
}

// compiledBindings extracts the TemplateBinding list the Engine will use
// to bind inputs without re-parsing the raw payload (§3 Plan,
// §9 "parse once at compile"). convergence_condition is checked here
// (checkWiring already validated it statically) but deliberately not
// added as a runtime binding: its variables (iteration, accumulator,
// recursive_context) are only ever bound inside the recursion loop's own
// per-iteration projection, never in a node's ordinary bind-before-
// execute pass, so the engine's recursion executor resolves it directly
// against the raw expression text instead of going through the generic
// binder.
func compiledBindings(n blueprint.NodeSpec) []TemplateBinding {
	var out []TemplateBinding
	for _, f := range templateFields(n) {
		if f.value == "" || f.path == "convergence_condition" {
			continue
		}
		placeholders, _ := tmplexpr.FindAll(f.value)
		if len(placeholders) == 0 {
			continue
		}
		out = append(out, TemplateBinding{ParameterPath: f.path, SourceExpression: f.value})
	}
	return out
}

// checkDeclaredInputsBound implements Invariant 3: every declared input
// in input_schema is either template-bound to an upstream output or
// supplied as a literal in the payload. We can only check this
// mechanically for kinds whose payload carries a name-keyed argument map
// (tool); code and other kinds declare inputs more loosely and are left to
// runtime UnresolvedBinding detection, per the Open Questions in §9.
func checkDeclaredInputsBound(n blueprint.NodeSpec) []CompileError {
	if len(n.InputSchema) == 0 {
		return nil
	}
	var argMap map[string]any
	switch n.Kind {
	case blueprint.KindTool:
		var p blueprint.ToolPayload
		if err := n.DecodePayload(&p); err == nil {
			argMap = p.ToolArgs
		}
	case blueprint.KindCode:
		return nil // code nodes receive inputs wholesale at execution time
	default:
		return nil
	}
	var errs []CompileError
	for name := range n.InputSchema {
		if _, ok := argMap[name]; !ok {
			errs = append(errs, errPath(n.ID, name, "declared input is neither bound by a template expression nor supplied as a literal"))
		}
	}
	return errs
}
