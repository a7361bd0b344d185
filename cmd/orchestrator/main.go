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

	"github.com/kilodev/cloudagent/internal/common/config"
	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/events"
	"github.com/kilodev/cloudagent/internal/orchestrator"
	"github.com/kilodev/cloudagent/internal/orchestrator/api"
	"github.com/kilodev/cloudagent/internal/orchestrator/workspace"
	"github.com/kilodev/cloudagent/internal/sandbox"
	"github.com/kilodev/cloudagent/internal/sessionreg"
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

	log.Info("Starting orchestrator service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (NATS, or in-memory when no URL is configured)
	eventBus, err := events.NewEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Sandbox resolver
	resolver, err := sandbox.NewDockerResolver(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox resolver", zap.Error(err))
	}
	defer func() { _ = resolver.Close() }()

	if err := resolver.Ping(ctx); err != nil {
		log.Fatal("Failed to reach sandbox runtime", zap.Error(err))
	}
	log.Info("Connected to sandbox runtime")

	// 5. Session registry client and workspace preparer
	registry := sessionreg.NewHTTPRegistry(cfg.Registry, log)
	preparer := workspace.NewPreparer(registry, sessionreg.DefaultRetryPolicy(cfg.Registry), log)

	// 6. Orchestrator
	orch := orchestrator.New(cfg, resolver, preparer, registry, eventBus, log)

	// 7. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))

	v1group := router.Group("/api/v1")
	api.SetupRoutes(v1group, orch, log)

	handler := api.NewHandler(orch, log)
	router.GET("/health", handler.HealthCheck)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Orchestrator service stopped")
}
