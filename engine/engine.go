package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/internal/corelog"
	"github.com/lyzr/workflowcore/ports"
	"github.com/lyzr/workflowcore/registry"
)

// decodePayload round-trips a PlanNode's map payload into a typed
// blueprint.*Payload struct via JSON, the same mechanism
// blueprint.NodeSpec.DecodePayload uses at compile time.
func decodePayload(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// FailPolicy governs what happens to the rest of a run after a node's
// first unrecoverable failure (§4.3 Options).
type FailPolicy string

const (
	FailHalt             FailPolicy = "halt"
	FailContinuePossible FailPolicy = "continue_possible"
	FailAlways           FailPolicy = "always"
)

// Options configures one Run call (§4.3 "Options (enumerated)").
type Options struct {
	MaxParallel   int
	BudgetUSD     *float64
	FailPolicy    FailPolicy
	EventSink     EventSink
	CancelGraceMS int
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 8
	}
	if o.FailPolicy == "" {
		o.FailPolicy = FailHalt
	}
	if o.EventSink == nil {
		o.EventSink = NoopSink{}
	}
	if o.CancelGraceMS <= 0 {
		o.CancelGraceMS = 2000
	}
	return o
}

// Engine executes compiled Plans (§4.3). It owns no mutable state beyond
// its injected collaborators — every Run call gets a fresh run.
type Engine struct {
	reg       *registry.Registry
	sandbox   ports.Sandbox
	estimator ports.CostEstimator
	logger    *corelog.Logger
}

// New creates an Engine. sandbox and estimator may be nil: a nil sandbox
// fails "code" nodes with SandboxViolation; a nil estimator disables
// budget preflight entirely regardless of Options.BudgetUSD.
func New(reg *registry.Registry, sandbox ports.Sandbox, estimator ports.CostEstimator, logger *corelog.Logger) *Engine {
	if logger == nil {
		logger = corelog.Noop()
	}
	return &Engine{reg: reg, sandbox: sandbox, estimator: estimator, logger: logger}
}

// RunResult is the terminal outcome of a run (§4.3 public contract).
type RunResult struct {
	Success          bool
	Cancelled        bool
	Context          *RunContext
	TerminatedReason string
	FirstError       *corekind.Error
}

// RunHandle is the live handle to an in-flight or completed run.
type RunHandle struct {
	r *run
}

// AwaitCompletion blocks until the run reaches a terminal state.
func (h *RunHandle) AwaitCompletion() RunResult {
	<-h.r.done
	return h.r.result
}

// Cancel marks the run terminated; see §4.3 "Cancellation".
func (h *RunHandle) Cancel(reason string) {
	h.r.cancel(reason)
}

// Events returns the channel a consumer drains for lifecycle events. Only
// populated when Options.EventSink is a *ChannelSink or another
// ChannelSinkProvider; for any other sink, including the NoopSink Run
// installs when none is supplied, it returns an already-closed channel.
func (h *RunHandle) Events() <-chan Event {
	if provider, ok := h.r.sink.(ChannelSinkProvider); ok {
		if cs := provider.ChannelSink(); cs != nil {
			return cs.Events()
		}
	}
	closed := make(chan Event)
	close(closed)
	return closed
}

// ChannelSinkProvider lets a composite EventSink built outside this
// package (e.g. a sink that fans out to both an in-process channel and
// an external sink) still expose the underlying *ChannelSink to
// RunHandle.Events, without Options or RunHandle needing to know about
// any particular composite's shape.
type ChannelSinkProvider interface {
	ChannelSink() *ChannelSink
}

// ChannelSink implements ChannelSinkProvider by returning itself.
func (s *ChannelSink) ChannelSink() *ChannelSink { return s }

// run holds all per-invocation state. It is never shared across Run calls.
type run struct {
	engine   *Engine
	plan     *compiler.Plan
	rc       *RunContext
	opts     Options
	sink     EventSink
	budget   *budgetAccountant
	conv     *convergenceEvaluator
	items    *itemsEvaluator
	dependents map[string][]string
	nested     map[string]bool

	mu        sync.Mutex
	skipped   map[string]bool
	tripped   bool
	cancelled bool
	firstErr  *corekind.Error
	reason    string

	ctx       context.Context
	cancelFn  context.CancelFunc
	done      chan struct{}
	result    RunResult
	nesting   int
}

// Run implements the Engine's public contract: run(plan, initial_inputs,
// options) -> RunHandle.
func (e *Engine) Run(ctx context.Context, plan *compiler.Plan, initialInputs map[string]any, opts Options) *RunHandle {
	opts = opts.withDefaults()
	if opts.EventSink == nil {
		opts.EventSink = NoopSink{}
	}

	conv, _ := newConvergenceEvaluator()
	runCtx, cancel := context.WithCancel(ctx)

	r := &run{
		engine:     e,
		plan:       plan,
		rc:         NewRunContext(newRunID(), plan.BlueprintID, initialInputs),
		opts:       opts,
		sink:       opts.EventSink,
		budget:     newBudgetAccountant(e.estimator, opts.BudgetUSD),
		conv:       conv,
		items:      newItemsEvaluator(),
		dependents: buildDependents(plan),
		nested:     nestedNodeIDs(plan),
		skipped:    make(map[string]bool),
		ctx:        runCtx,
		cancelFn:   cancel,
		done:       make(chan struct{}),
	}

	go r.drive()

	return &RunHandle{r: r}
}

// runNested executes plan as a "workflow" node's nested Plan, sharing
// this run's event sink and budget allocation (§4.3 step 4 "workflow").
func (r *run) runNested(ctx context.Context, plan *compiler.Plan, initialInputs map[string]any) RunResult {
	child := &run{
		engine:     r.engine,
		plan:       plan,
		rc:         NewRunContext(newRunID(), plan.BlueprintID, initialInputs),
		opts:       r.opts,
		sink:       r.sink,
		budget:     r.budget, // shared budget allocation
		conv:       r.conv,
		items:      r.items,
		dependents: buildDependents(plan),
		nested:     nestedNodeIDs(plan),
		skipped:    make(map[string]bool),
		ctx:        ctx,
		done:       make(chan struct{}),
		nesting:    r.nesting + 1,
	}
	child.cancelFn = func() {}
	child.driveSync()
	return child.result
}

// subrun spins up a lightweight run sharing this run's engine, sink, and
// budget allocation, scoped to a restricted set of plan nodes (a loop
// body or a parallel branch) with its own RunContext so that repeated
// iterations don't clobber each other's NodeResults under the same node
// id (§4.3 step 4 "loop"/"parallel").
func (r *run) subrun(ctx context.Context, nodes map[string]*compiler.PlanNode, levels [][]string, scope map[string]any) *run {
	rc := NewRunContext(r.rc.RunID, r.rc.BlueprintID, r.rc.InitialInputs)
	for _, res := range r.rc.Snapshot() {
		rc.SetResult(res)
	}
	for k, v := range scope {
		rc.scope[k] = v
	}
	sub := &run{
		engine:     r.engine,
		plan:       &compiler.Plan{BlueprintID: r.plan.BlueprintID, Nodes: nodes, Levels: levels},
		rc:         rc,
		opts:       r.opts,
		sink:       r.sink,
		budget:     r.budget,
		conv:       r.conv,
		items:      r.items,
		dependents: buildDependents(&compiler.Plan{Nodes: nodes}),
		nested:     map[string]bool{},
		skipped:    make(map[string]bool),
		ctx:        ctx,
		done:       make(chan struct{}),
		nesting:    r.nesting,
	}
	sub.cancelFn = func() {}
	return sub
}

func (r *run) drive() {
	r.driveSync()
	close(r.done)
}

func (r *run) driveSync() {
	log := corelog.FromContext(r.ctx)
	ctx := corelog.IntoContext(r.ctx, log.WithRunID(r.rc.RunID))

	r.emit(EventRunStarted, "", nil)

	r.runPlanLevels(ctx, r.plan)

	r.mu.Lock()
	tripped, cancelled, firstErr, reason := r.tripped, r.cancelled, r.firstErr, r.reason
	r.mu.Unlock()

	success := !tripped
	if reason == "" && cancelled {
		reason = "cancelled"
	}
	if reason == "" && tripped && firstErr != nil {
		reason = string(firstErr.Kind)
	}
	if reason == "" {
		reason = "completed"
	}
	r.result = RunResult{Success: success, Cancelled: cancelled, Context: r.rc, TerminatedReason: reason, FirstError: firstErr}
	r.emit(EventRunFinished, "", map[string]any{"success": success, "cancelled": cancelled, "terminated_reason": reason})
	if cs, ok := r.sink.(*ChannelSink); ok {
		cs.Close()
	}
}

// runPlanLevels walks plan.Levels in order, running each level's nodes
// with bounded concurrency. Nodes that belong to some other node's
// loop body or parallel branch are skipped here — they are only ever
// run by their owning construct's own sub-scheduling (kinds_loop.go,
// kinds_parallel.go), never by the top-level level pass, since they
// must run once per iteration/branch rather than once total.
func (r *run) runPlanLevels(ctx context.Context, plan *compiler.Plan) {
	for _, level := range plan.Levels {
		if r.shouldHalt() {
			break
		}
		r.runLevel(ctx, plan, level)
	}
}

func (r *run) runLevel(ctx context.Context, plan *compiler.Plan, levelIDs []string) {
	sem := make(chan struct{}, r.opts.MaxParallel)
	var wg sync.WaitGroup
	for _, id := range levelIDs {
		if r.nested[id] {
			continue
		}
		pn, ok := plan.Nodes[id]
		if !ok {
			continue
		}
		if r.shouldHalt() {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(pn *compiler.PlanNode) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runNode(ctx, pn)
		}(pn)
	}
	wg.Wait()
}

// subPlanLevels buckets a restricted set of plan nodes (a loop body or
// parallel branch's node ids) into ascending-level groups, reusing each
// PlanNode's already-assigned global Level — a body node that depends on
// another body node always has a strictly greater Level, since level
// assignment is longest-path over the full dependency graph regardless
// of which construct a node belongs to.
func subPlanLevels(parent *compiler.Plan, ids []string) ([][]string, map[string]*compiler.PlanNode) {
	nodes := make(map[string]*compiler.PlanNode, len(ids))
	byLevel := map[int][]string{}
	maxLevel := 0
	for _, id := range ids {
		pn, ok := parent.Nodes[id]
		if !ok {
			continue
		}
		nodes[id] = pn
		byLevel[pn.Level] = append(byLevel[pn.Level], id)
		if pn.Level > maxLevel {
			maxLevel = pn.Level
		}
	}
	levels := make([][]string, 0, maxLevel+1)
	for l := 0; l <= maxLevel; l++ {
		if ids, ok := byLevel[l]; ok {
			levels = append(levels, ids)
		}
	}
	return levels, nodes
}

// nestedNodeIDs collects every node id declared as a loop's body_nodes or
// a parallel's branch member, across the whole plan, so the top-level
// scheduler can exclude them from its single pass over plan.Levels.
func nestedNodeIDs(plan *compiler.Plan) map[string]bool {
	out := map[string]bool{}
	for _, pn := range plan.Nodes {
		switch pn.Kind {
		case blueprint.KindLoop:
			var p blueprint.LoopPayload
			if err := decodePayload(pn.Payload, &p); err == nil {
				for _, id := range p.BodyNodes {
					out[id] = true
				}
			}
		case blueprint.KindParallel:
			var p blueprint.ParallelPayload
			if err := decodePayload(pn.Payload, &p); err == nil {
				for _, branch := range p.Branches {
					for _, id := range branch {
						out[id] = true
					}
				}
			}
		}
	}
	return out
}

// shouldHalt reports whether scheduling should stop before the next
// level/node. An explicit Cancel halts regardless of fail_policy (§4.3
// "cancel(reason) marks the run terminated... Pending nodes are not
// started"); an ordinary node failure only halts under fail_policy
// "halt".
func (r *run) shouldHalt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled || (r.tripped && r.opts.FailPolicy == FailHalt)
}

// trip records the first unrecoverable failure and, under fail_policy
// "halt", cancels the run's context so in-flight siblings observe
// cancellation (§4.3 "still-running siblings are cancelled").
func (r *run) trip(err *corekind.Error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	first := !r.tripped
	if first {
		r.tripped = true
		r.firstErr = err
	}
	halt := r.opts.FailPolicy == FailHalt
	r.mu.Unlock()

	if first && halt && r.cancelFn != nil {
		r.cancelFn()
	}
	if first && r.opts.FailPolicy == FailContinuePossible {
		r.markSkippedTransitively(r.dependents[err.NodeID])
	}
}

// cancel implements RunHandle.Cancel. It trips the run so driveSync's
// success computation and shouldHalt both see it, and sets the dedicated
// cancelled flag so the terminal RunResult reports a cancellation
// distinctly from an ordinary node failure.
func (r *run) cancel(reason string) {
	r.mu.Lock()
	r.cancelled = true
	r.tripped = true
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	if r.cancelFn != nil {
		r.cancelFn()
	}
}

func (r *run) isSkipped(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped[id]
}

// markSkippedTransitively marks roots and every transitive dependent as
// skipped (condition pruning, §4.3 step 4 "condition"; continue_possible
// failure propagation, §4.3 Options).
func (r *run) markSkippedTransitively(roots []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if r.skipped[id] {
			continue
		}
		r.skipped[id] = true
		queue = append(queue, r.dependents[id]...)
	}
}

func (r *run) emit(t EventType, nodeID string, payload map[string]any) {
	r.sink.Emit(Event{Type: t, RunID: r.rc.RunID, NodeID: nodeID, TsMs: time.Now().UnixMilli(), Payload: payload})
}

func buildDependents(plan *compiler.Plan) map[string][]string {
	out := make(map[string][]string, len(plan.Nodes))
	for _, n := range plan.Nodes {
		for _, dep := range n.Dependencies {
			out[dep] = append(out[dep], n.ID)
		}
	}
	return out
}
