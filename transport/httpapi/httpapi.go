// Package httpapi is a reference HTTP transport over the core, grounded
// on the teacher's cmd/orchestrator/handlers echo handlers: one handler
// struct per resource, JSON in, JSON or SSE out, component wiring
// injected rather than constructed inside the handler.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/compiler"
	"github.com/lyzr/workflowcore/engine"
	"github.com/lyzr/workflowcore/internal/corelog"
	"github.com/lyzr/workflowcore/ports"
	"github.com/lyzr/workflowcore/registry"
)

// Handler wires the core's three subsystems onto an echo router. Active
// runs are tracked in-process keyed by a server-issued run id so a
// client can come back and stream events for a run it just started —
// the teacher's handlers instead key off Redis-persisted run state
// (cmd/orchestrator/handlers/run.go's GetRun), which a host wanting runs
// to survive this process's lifetime should swap in here.
type Handler struct {
	reg     *registry.Registry
	eng     *engine.Engine
	store   ports.PlanStore
	extSink engine.EventSink
	log     *corelog.Logger

	mu   sync.Mutex
	runs map[string]*engine.RunHandle
}

// New creates a Handler. store may be nil: blueprints are then only
// addressable within a single request (submit-and-run), never listable.
func New(reg *registry.Registry, eng *engine.Engine, store ports.PlanStore, log *corelog.Logger) *Handler {
	if log == nil {
		log = corelog.Noop()
	}
	return &Handler{reg: reg, eng: eng, store: store, log: log, runs: make(map[string]*engine.RunHandle)}
}

// WithEventSink additionally fans every run's events to sink (e.g. a
// events/redissink.Sink) alongside the per-run in-process channel this
// handler already uses for SSE — a host that wants events to survive
// past this process, or fan out to more than the one SSE reader, sets
// this once at startup.
func (h *Handler) WithEventSink(sink engine.EventSink) *Handler {
	h.extSink = sink
	return h
}

// Register mounts every route on group g, mirroring the teacher's
// one-call-per-handler-group router setup.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/blueprints", h.PutBlueprint)
	g.GET("/blueprints/:id", h.GetBlueprint)
	g.GET("/blueprints", h.ListBlueprints)
	g.POST("/runs", h.CreateRun)
	g.GET("/runs/:run_id/events", h.StreamRunEvents)
}

// PutBlueprint stores a Blueprint and returns its content-hash id.
// POST /blueprints
func (h *Handler) PutBlueprint(c echo.Context) error {
	var bp blueprint.Blueprint
	if err := c.Bind(&bp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid blueprint body")
	}
	if h.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no plan store configured")
	}
	id, err := h.store.Put(c.Request().Context(), &bp)
	if err != nil {
		h.log.Error("put blueprint failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store blueprint")
	}
	return c.JSON(http.StatusCreated, map[string]any{"blueprint_id": id})
}

// GetBlueprint returns a previously stored Blueprint by id.
// GET /blueprints/:id
func (h *Handler) GetBlueprint(c echo.Context) error {
	if h.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no plan store configured")
	}
	bp, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "blueprint not found")
	}
	return c.JSON(http.StatusOK, bp)
}

// ListBlueprints returns every stored blueprint id.
// GET /blueprints
func (h *Handler) ListBlueprints(c echo.Context) error {
	if h.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no plan store configured")
	}
	ids, err := h.store.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list blueprints")
	}
	return c.JSON(http.StatusOK, map[string]any{"blueprint_ids": ids})
}

// CreateRunRequest is the POST /runs body: either an inline Blueprint or
// a reference to one already stored, plus run inputs, optional
// config_overrides keyed by node id and merge-patched onto those nodes'
// payloads (any kind) before compile, and run options.
type CreateRunRequest struct {
	BlueprintID     string                     `json:"blueprint_id"`
	Blueprint       *blueprint.Blueprint       `json:"blueprint"`
	ConfigOverrides map[string]json.RawMessage `json:"config_overrides"`
	Inputs          map[string]any             `json:"inputs"`
	BudgetUSD       *float64                   `json:"budget_usd"`
	FailPolicy      string                     `json:"fail_policy"`
}

// CreateRun compiles a Blueprint and starts a run, returning its run id
// immediately — callers poll/stream /runs/:run_id/events for progress,
// matching §4.3's "Run returns a handle", not a synchronous result.
// POST /runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	bp, err := h.resolveBlueprint(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if len(req.ConfigOverrides) > 0 {
		if err := applyConfigOverrides(bp, req.ConfigOverrides); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("failed to apply config_overrides: %v", err))
		}
	}

	plan, compileErrs := compiler.Compile(c.Request().Context(), bp, h.reg)
	if len(compileErrs) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"error":  "compile failed",
			"causes": compileErrs,
		})
	}

	channelSink := engine.NewChannelSink(0)
	var runSink engine.EventSink = channelSink
	if h.extSink != nil {
		runSink = fanoutSink{channelSink, h.extSink}
	}
	opts := engine.Options{
		BudgetUSD:  req.BudgetUSD,
		FailPolicy: engine.FailPolicy(req.FailPolicy),
		EventSink:  runSink,
	}
	// Runs outlive this request (§4.3: Run returns a handle, not a
	// result), so the handle is parented on context.Background() rather
	// than the request context — cancelling the HTTP request must not
	// cancel the run.
	handle := h.eng.Run(context.Background(), plan, req.Inputs, opts)

	runID := uuid.NewString()
	h.mu.Lock()
	h.runs[runID] = handle
	h.mu.Unlock()

	h.log.Info("run started", "run_id", runID, "blueprint_id", plan.BlueprintID)
	return c.JSON(http.StatusCreated, map[string]any{
		"run_id":       runID,
		"blueprint_id": plan.BlueprintID,
	})
}

func (h *Handler) resolveBlueprint(ctx context.Context, req *CreateRunRequest) (*blueprint.Blueprint, error) {
	if req.Blueprint != nil {
		return req.Blueprint, nil
	}
	if req.BlueprintID == "" {
		return nil, fmt.Errorf("one of blueprint or blueprint_id is required")
	}
	if h.store == nil {
		return nil, fmt.Errorf("no plan store configured to resolve blueprint_id")
	}
	return h.store.Get(ctx, req.BlueprintID)
}

// applyConfigOverrides merges a JSON Merge Patch (RFC 7396) onto each
// named node's payload before compile, the request-time analogue of
// kinds_workflow.go's deepMerge — here patching the node definition
// itself rather than a nested workflow's effective inputs, since an
// HTTP caller is adjusting the blueprint it is about to submit, not a
// workflow node's runtime inputs.
func applyConfigOverrides(bp *blueprint.Blueprint, overrides map[string]json.RawMessage) error {
	for i := range bp.Nodes {
		patch, ok := overrides[bp.Nodes[i].ID]
		if !ok {
			continue
		}
		current, err := json.Marshal(bp.Nodes[i].Payload)
		if err != nil {
			return err
		}
		merged, err := jsonpatch.MergePatch(current, patch)
		if err != nil {
			return fmt.Errorf("node %s: %w", bp.Nodes[i].ID, err)
		}
		var payload map[string]any
		if err := json.Unmarshal(merged, &payload); err != nil {
			return err
		}
		bp.Nodes[i].Payload = payload
	}
	return nil
}

// StreamRunEvents streams a run's lifecycle events as SSE until the run
// finishes or the client disconnects. It is wired to the in-process
// *engine.ChannelSink created for this run — events/redissink is the
// reference adapter for a host that needs events to survive past this
// handler's own process or to fan out to more than one reader.
// GET /runs/:run_id/events
func (h *Handler) StreamRunEvents(c echo.Context) error {
	h.mu.Lock()
	handle, ok := h.runs[c.Param("run_id")]
	h.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)
	w := bufio.NewWriter(c.Response())

	events := handle.Events()
	req := c.Request()
	for {
		select {
		case e, more := <-events:
			if !more {
				return nil
			}
			if err := writeSSE(w, e); err != nil {
				return nil
			}
			if e.Type == engine.EventRunFinished {
				return nil
			}
		case <-req.Context().Done():
			return nil
		}
	}
}

// fanoutSink emits every event to both the per-run channel sink SSE
// reads from and an external sink (e.g. events/redissink.Sink) a host
// configured for durability or multi-reader fan-out.
type fanoutSink struct {
	channel *engine.ChannelSink
	ext     engine.EventSink
}

func (f fanoutSink) Emit(e engine.Event) {
	f.channel.Emit(e)
	f.ext.Emit(e)
}

// ChannelSink implements engine.ChannelSinkProvider so
// engine.RunHandle.Events still finds the underlying *engine.ChannelSink
// when this handler wraps it in a fanoutSink.
func (f fanoutSink) ChannelSink() *engine.ChannelSink { return f.channel }

// writeSSE writes one lifecycle event as an SSE frame and flushes it.
func writeSSE(w *bufio.Writer, e engine.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
		return err
	}
	return w.Flush()
}
