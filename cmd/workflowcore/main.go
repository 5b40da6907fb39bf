// Command workflowcore is a reference host process wiring the
// Component Registry, Compiler and Engine together behind the httpapi
// transport, in the teacher's numbered-step Setup style
// (common/bootstrap.Setup) rather than a framework-driven main.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/workflowcore/engine"
	"github.com/lyzr/workflowcore/events/redissink"
	"github.com/lyzr/workflowcore/internal/coreconfig"
	"github.com/lyzr/workflowcore/internal/corelog"
	"github.com/lyzr/workflowcore/ports"
	"github.com/lyzr/workflowcore/registry"
	"github.com/lyzr/workflowcore/store/pgplanstore"
	"github.com/lyzr/workflowcore/store/redisplanstore"
	"github.com/lyzr/workflowcore/transport/httpapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// 1. Load configuration.
	cfg, err := coreconfig.Load("workflowcore")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Initialize logger.
	log := corelog.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("initializing workflowcore", "port", cfg.Service.Port)

	// 3. Build the Component Registry. A real deployment populates this
	// from the factory manifests named in cfg.Manifest.Paths (§6
	// "Factory manifests"); this reference binary registers nothing by
	// default and relies on callers to extend it before running plans
	// that reference tool/agent/workflow/llm-provider factories.
	reg := registry.New()

	// 4. Wire the plan store: Postgres if WORKFLOWCORE_POSTGRES_DSN is
	// set, else Redis if WORKFLOWCORE_REDIS_ADDR is set, else none
	// (blueprints must be submitted inline on every /runs call).
	var store ports.PlanStore
	var closeStore func()
	if dsn := os.Getenv("WORKFLOWCORE_POSTGRES_DSN"); dsn != "" {
		log.Info("connecting to postgres plan store")
		pg, err := pgplanstore.Connect(ctx, dsn, log)
		if err != nil {
			return fmt.Errorf("failed to connect postgres plan store: %w", err)
		}
		store = pg
		closeStore = pg.Close
	} else if addr := os.Getenv("WORKFLOWCORE_REDIS_ADDR"); addr != "" {
		log.Info("connecting to redis plan store", "addr", addr)
		rdb := goredis.NewClient(&goredis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		store = redisplanstore.New(rdb, log)
		closeStore = func() { rdb.Close() }
	} else {
		log.Warn("no plan store configured; blueprints must be submitted inline")
	}
	if closeStore != nil {
		defer closeStore()
	}

	// 5. Build the Engine. sandbox and estimator are nil here: "code"
	// nodes fail with SandboxViolation and budget preflight is disabled
	// until a host supplies real ports.Sandbox/ports.CostEstimator
	// implementations.
	eng := engine.New(reg, nil, nil, log)

	// 6. Mount the HTTP transport, fanning run events to a Redis stream
	// in addition to each run's own SSE channel when
	// WORKFLOWCORE_REDIS_ADDR is set (the sink opens its own Redis
	// client; it does not reuse the plan store's connection).
	e := echo.New()
	e.HideBanner = true
	handler := httpapi.New(reg, eng, store, log)
	if addr := os.Getenv("WORKFLOWCORE_REDIS_ADDR"); addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: addr})
		defer rdb.Close()
		handler = handler.WithEventSink(redissink.New(rdb, "workflowcore:events", log, redissink.WithMaxLen(100_000)))
	}
	handler.Register(e.Group("/api/v1"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		if err := e.StartServer(srv); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
