// Package main is the entry point for the Iris server. One binary runs
// the whole coordination plane: the session store, the agent process
// pool, the MCP tool surface the agents call, and the REST/websocket
// gateway the dashboard talks to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/cache"
	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/events"
	"github.com/irislabs/iris/internal/gateway"
	"github.com/irislabs/iris/internal/mcpserver"
	"github.com/irislabs/iris/internal/orchestrator"
	"github.com/irislabs/iris/internal/pool"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/teams"
	"github.com/irislabs/iris/internal/tracing"
	"github.com/irislabs/iris/internal/transport"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Iris...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: in-memory by default, NATS when configured
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 4. Session store
	store, storeCleanup, err := session.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer func() { _ = storeCleanup() }()
	log.Info("Session store initialized", zap.String("driver", cfg.Database.Driver))

	// 5. Team registry
	registry, err := teams.LoadFromFile(cfg.TeamsFile)
	if err != nil {
		log.Fatal("Failed to load team registry",
			zap.String("path", cfg.TeamsFile),
			zap.Error(err))
	}
	log.Info("Team registry loaded",
		zap.Int("teams", registry.Len()),
		zap.Strings("names", registry.Names()))

	// 6. Transport plumbing and the process pool
	builder, err := transport.NewBuilder(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize command builder", zap.Error(err))
	}
	factory := transport.NewFactory(registry, builder, cfg.Timeouts.TerminateGrace, log)
	caches := cache.NewManager()

	procs := pool.New(pool.NewConfig(cfg), factory, caches, eventBus, log)
	procs.Start()
	log.Info("Process pool started", zap.Int("max_processes", cfg.Pool.MaxProcesses))

	// 7. Orchestrator
	orch := orchestrator.New(orchestrator.NewConfig(cfg), store, procs, caches, registry, builder, eventBus, log)
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// 8. MCP tool surface for the agents
	mcpSrv := mcpserver.New(mcpserver.NewConfig(cfg), orch, log)
	if err := mcpSrv.Start(ctx); err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}

	// 9. REST/websocket gateway for the dashboard
	gw := gateway.New(cfg, orch, eventBus, log)
	if err := gw.Start(ctx); err != nil {
		log.Fatal("Failed to start gateway", zap.Error(err))
	}

	log.Info("Iris ready",
		zap.Int("mcp_port", mcpSrv.Port()),
		zap.Int("gateway_port", gw.Port()),
		zap.String("websocket", "/ws"))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Iris...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		log.Error("Gateway shutdown error", zap.Error(err))
	}
	if err := mcpSrv.Stop(shutdownCtx); err != nil {
		log.Error("MCP server shutdown error", zap.Error(err))
	}

	// Terminates every transport and settles the in-flight tells before
	// the deferred cleanups close the store underneath them.
	orch.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Iris stopped")
}
