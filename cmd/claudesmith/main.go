// Package main is the entry point for the claudesmith runtime.
// One binary hosts the session API, the sandbox controller, and the
// execution engine with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claudesmith/claudesmith/internal/api"
	"github.com/claudesmith/claudesmith/internal/common/config"
	"github.com/claudesmith/claudesmith/internal/common/httpmw"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/engine"
	"github.com/claudesmith/claudesmith/internal/events"
	"github.com/claudesmith/claudesmith/internal/sandbox"
	"github.com/claudesmith/claudesmith/internal/sandbox/docker"
	"github.com/claudesmith/claudesmith/internal/scriptengine"
	"github.com/claudesmith/claudesmith/internal/sessionstore"
	"github.com/claudesmith/claudesmith/internal/toolserver"
	"github.com/claudesmith/claudesmith/internal/tracing"
	"github.com/claudesmith/claudesmith/pkg/agent"
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
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting claudesmith...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing
	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// 5. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 6. Initialize Docker client and sandbox controller
	dockerClient, err := docker.NewClient(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("Docker daemon not available - sandboxed sessions will fail until it is reachable",
			zap.Error(err))
	} else {
		log.Info("Connected to Docker daemon")
	}
	controller := sandbox.NewController(dockerClient, cfg.Sandbox, log)

	// 7. Initialize session config store
	store, err := sessionstore.New(cfg.Sandbox.ScratchRoot)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}

	// 8. Initialize engine collaborators
	registry := engine.NewRegistry()
	evaluator := scriptengine.NewEngine(cfg.Evaluator, log)
	tokens := toolserver.NewEnvTokenSource()

	cliBinary := os.Getenv("CLAUDESMITH_CLI_BINARY")
	if cliBinary == "" {
		cliBinary = "claude"
	}
	launcher := engine.NewCLILauncher(cliBinary, log)

	factory := func(sessionID string, agentCfg *agent.Config) *engine.Engine {
		return engine.New(sessionID, agentCfg, engine.Deps{
			Sandbox:     controller,
			Launcher:    launcher,
			Evaluator:   evaluator,
			Connectors:  tokens,
			TokenSource: tokens,
			Registry:    registry,
			Logger:      log,
		})
	}

	// 9. Wire the HTTP API
	service := api.NewService(registry, store, eventBus, factory, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "claudesmith"))
	router.Use(httpmw.OtelTracing("claudesmith"))
	api.SetupRoutes(router, service, eventBus, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Start server
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1/sessions"),
		zap.String("stream", "/api/v1/sessions/:sessionId/stream"),
		zap.String("health", "/healthz"),
	)

	// 11. Graceful shutdown. Session containers are left running so
	// sessions can be resumed after a restart.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down claudesmith...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("claudesmith stopped")
}
