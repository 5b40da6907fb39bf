package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/internal/corelog"
)

// runNode drives a single PlanNode through the full seven-step lifecycle
// of §4.3: bind -> validate inputs -> preflight budget -> execute ->
// validate outputs -> retry -> publish.
func (r *run) runNode(ctx context.Context, pn *compiler.PlanNode) {
	log := corelog.FromContext(ctx).WithNodeID(pn.ID)
	start := time.Now()
	r.emit(EventNodeStarted, pn.ID, nil)

	if r.skipIfPruned(pn, start) {
		return
	}

	var (
		attempt     int
		lastErr     *corekind.Error
		lastOutput  map[string]any
		effectiveIn map[string]any
	)

	for attempt = 1; attempt <= pn.Policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			r.publish(pn, NodeResult{NodeID: pn.ID, Err: corekind.New(corekind.Cancelled, pn.ID, "run cancelled"), Attempts: attempt, StartedAt: start, FinishedAt: time.Now()})
			return
		default:
		}

		if attempt > 1 {
			r.emit(EventNodeAttempt, pn.ID, map[string]any{"attempt": attempt})
			delay := backoff(pn.Policy.BackoffBaseMS, pn.Policy.BackoffFactor, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				r.publish(pn, NodeResult{NodeID: pn.ID, Err: corekind.New(corekind.Cancelled, pn.ID, "run cancelled during backoff"), Attempts: attempt, StartedAt: start, FinishedAt: time.Now()})
				return
			}
		}

		bound, bindErr := newBinder(r.rc).bindAll(pn.Payload, pn.Bindings)
		if bindErr != nil {
			ce, _ := corekind.AsError(bindErr)
			if ce.NodeID == "" {
				ce.NodeID = pn.ID
			}
			r.publish(pn, NodeResult{NodeID: pn.ID, Err: ce, Attempts: attempt, StartedAt: start, FinishedAt: time.Now()})
			r.trip(ce)
			return
		}
		effectiveIn = bound

		if verr := validateAgainstSchema(pn.InputSchema, effectiveIn); verr != nil {
			ce := corekind.Wrap(corekind.ValidationError, pn.ID, verr, "input validation failed")
			r.publish(pn, NodeResult{NodeID: pn.ID, Err: ce, Attempts: attempt, StartedAt: start, FinishedAt: time.Now()})
			r.trip(ce)
			return
		}

		if _, err := r.budget.preflight(pn.ID, pn.Kind, effectiveIn); err != nil {
			ce, _ := corekind.AsError(err)
			r.publish(pn, NodeResult{NodeID: pn.ID, Err: ce, Attempts: attempt, StartedAt: start, FinishedAt: time.Now()})
			r.trip(ce)
			return
		}

		nodeCtx := ctx
		var cancel context.CancelFunc
		if pn.Policy.TimeoutMS > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(pn.Policy.TimeoutMS)*time.Millisecond)
		}
		output, execErr, abandoned := r.executeWithGrace(nodeCtx, ctx, pn, effectiveIn)
		if cancel != nil {
			cancel()
		}
		if abandoned {
			r.publish(pn, NodeResult{NodeID: pn.ID, Err: corekind.New(corekind.Cancelled, pn.ID, "node abandoned after cancel_grace_ms=%d", r.opts.CancelGraceMS), Attempts: attempt, StartedAt: start, FinishedAt: time.Now()})
			return
		}

		if execErr == nil {
			execErr = validateAgainstSchema(pn.OutputSchema, output)
			if execErr != nil {
				execErr = corekind.Wrap(corekind.ValidationError, pn.ID, execErr, "output validation failed")
			}
		}

		if execErr == nil {
			r.publish(pn, NodeResult{NodeID: pn.ID, Output: output, Attempts: attempt, StartedAt: start, FinishedAt: time.Now()})
			return
		}

		ce, ok := corekind.AsError(execErr)
		if !ok {
			ce = corekind.Wrap(corekind.ToolError, pn.ID, execErr, "execution failed")
		}
		if nodeCtx.Err() == context.DeadlineExceeded {
			ce = corekind.New(corekind.Timeout, pn.ID, "node exceeded timeout_ms=%d", pn.Policy.TimeoutMS)
		}
		lastErr = ce.WithAttempt(attempt)
		lastOutput = output

		log.Warn("node attempt failed", "kind", ce.Kind, "attempt", attempt, "error", ce.Message)

		if !r.retriable(ce, pn.Policy) || attempt >= pn.Policy.MaxAttempts {
			break
		}
	}

	r.publish(pn, NodeResult{NodeID: pn.ID, Output: lastOutput, Err: lastErr, Attempts: attempt, StartedAt: start, FinishedAt: time.Now()})
	r.trip(lastErr)
}

// retriable reports whether ce's Kind is retriable per the node's
// declared retry_on policy (§4.3 step 6), falling back to the taxonomy's
// own default retriability when retry_on is empty.
func (r *run) retriable(ce *corekind.Error, policy compiler.Policy) bool {
	if len(policy.RetryOn) == 0 {
		return ce.Kind.Retriable()
	}
	for _, k := range policy.RetryOn {
		if string(ce.Kind) == k {
			return true
		}
	}
	return false
}

// backoff computes the §4.3 step 6 exponential delay:
// delay = backoff_base_ms * backoff_factor^(attempt-1), where attempt is
// the attempt number about to run.
func backoff(baseMS int, factor float64, attempt int) time.Duration {
	ms := float64(baseMS) * math.Pow(factor, float64(attempt-1))
	return time.Duration(ms) * time.Millisecond
}

// executeWithGrace runs the node's executor on its own goroutine and
// races it against runCtx — the run's overall context, as opposed to
// nodeCtx which may carry an additional per-node timeout. If runCtx is
// cancelled while the call is still in flight, it waits up to
// Options.CancelGraceMS for the call to return cooperatively before
// reporting abandoned=true: the Engine stops waiting and the node is
// reported Cancelled, but the goroutine itself is not killed (§4.3
// "cancel_grace_ms... the Engine abandons the task... but does not kill
// the underlying resources"). A plain per-node timeout (nodeCtx expiring
// while runCtx is still live) is unaffected and waits for execute to
// return as before.
func (r *run) executeWithGrace(nodeCtx, runCtx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error, bool) {
	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := r.execute(nodeCtx, pn, in)
		done <- outcome{output, err}
	}()

	select {
	case o := <-done:
		return o.output, o.err, false
	case <-runCtx.Done():
	}

	select {
	case o := <-done:
		return o.output, o.err, false
	case <-time.After(time.Duration(r.opts.CancelGraceMS) * time.Millisecond):
		return nil, nil, true
	}
}

// execute dispatches to the kind-specific executor (§4.3 step 4).
func (r *run) execute(ctx context.Context, pn *compiler.PlanNode, in map[string]any) (map[string]any, error) {
	switch pn.Kind {
	case blueprint.KindTool:
		return r.executeTool(ctx, pn, in)
	case blueprint.KindLLM:
		return r.executeLLM(ctx, pn, in)
	case blueprint.KindAgent:
		return r.executeAgent(ctx, pn, in)
	case blueprint.KindCondition:
		return r.executeCondition(ctx, pn, in)
	case blueprint.KindLoop:
		return r.executeLoop(ctx, pn, in)
	case blueprint.KindParallel:
		return r.executeParallel(ctx, pn, in)
	case blueprint.KindWorkflow:
		return r.executeWorkflow(ctx, pn, in)
	case blueprint.KindRecursive:
		return r.executeRecursive(ctx, pn, in)
	case blueprint.KindCode:
		return r.executeCode(ctx, pn, in)
	default:
		return nil, corekind.New(corekind.ValidationError, pn.ID, "unknown node kind %q", pn.Kind)
	}
}

// publish records the result and emits NodeFinished (§4.3 step 7,
// Testable Property #6: context is append-only after NodeFinished).
func (r *run) publish(pn *compiler.PlanNode, result NodeResult) {
	r.rc.SetResult(result)
	payload := map[string]any{"success": result.Succeeded(), "attempts": result.Attempts}
	if result.Err != nil {
		payload["error_kind"] = string(result.Err.Kind)
		payload["error_message"] = result.Err.Message
	}
	r.emit(EventNodeFinished, pn.ID, payload)
}

// skipIfPruned marks pn Skipped and publishes if an ancestor condition
// node already pruned it (§4.3 step 4 condition semantics).
func (r *run) skipIfPruned(pn *compiler.PlanNode, start time.Time) bool {
	if !r.isSkipped(pn.ID) {
		return false
	}
	r.rc.SetResult(NodeResult{NodeID: pn.ID, Attempts: 0, StartedAt: start, FinishedAt: time.Now()})
	r.emit(EventNodeSkipped, pn.ID, nil)
	return true
}

// validateAgainstSchema is a light structural check: every declared key
// must be present in doc. The core does not implement full JSON-schema
// type checking for input/output_schema (those are simple name->type
// maps, not schema documents like the blueprint payload schemas), so
// this only enforces presence, matching §3's "optional input_schema and
// output_schema (JSON-schema-style mappings from names to types)".
func validateAgainstSchema(schema map[string]string, doc map[string]any) error {
	for name := range schema {
		if _, ok := doc[name]; !ok {
			return fmt.Errorf("missing declared field %q", name)
		}
	}
	return nil
}
