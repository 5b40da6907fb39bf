package engine

import (
	"context"

	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/registry"
)

// executeLLM implements §4.3 step 4 "llm": render template, call the
// provider, and return {text: <provider text>}. The provider's text is
// not parsed: every other field named in output_schema is present in the
// output with a nil value. The model
// name is resolved against the Registry at execution time rather than
// compile time, since it may itself carry a template expression
// (plan.go's FactoryHandle is deliberately left unset for kind=llm).
func (r *run) executeLLM(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	model, _ := in["model"].(string)
	if model == "" {
		return nil, corekind.New(corekind.ValidationError, pn.ID, "llm node resolved to an empty model name")
	}
	prompt, _ := in["prompt_template"].(string)
	config, _ := in["llm_config"].(map[string]any)

	h, err := r.engine.reg.Resolve(registry.KindLLMProvider, model)
	if err != nil {
		return nil, corekind.Wrap(corekind.NotFound, pn.ID, err, "no llm-provider registered for model %q", model)
	}
	instance, err := r.engine.reg.Instantiate(h, config)
	if err != nil {
		ce, _ := corekind.AsError(err)
		return nil, ce
	}
	provider, ok := instance.(registry.LLMProvider)
	if !ok {
		return nil, corekind.New(corekind.CapabilityMismatch, pn.ID, "resolved instance does not implement registry.LLMProvider")
	}

	result, err := provider.Generate(ctx, prompt, config)
	if err != nil {
		return nil, corekind.Wrap(corekind.LLMProviderError, pn.ID, err, "llm provider call failed")
	}
	if result.Err != nil {
		return nil, corekind.Wrap(corekind.LLMProviderError, pn.ID, result.Err, "llm provider reported an error")
	}

	out := map[string]any{"text": result.Text}
	if len(pn.OutputSchema) > 0 {
		for field := range pn.OutputSchema {
			if field == "text" {
				continue
			}
			// fields beyond {text} are set to nil; the provider's
			// text is not parsed to fill them.
			out[field] = nil
		}
	}
	return out, nil
}
