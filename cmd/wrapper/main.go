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
	"github.com/kilodev/cloudagent/internal/kilo"
	"github.com/kilodev/cloudagent/internal/wrapper"
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

	log.Info("Starting wrapper process...", zap.String("version", wrapper.Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Worker: job state, event consumer and ingest relay. The agent
	// backend runs next to this process, so its client targets localhost.
	kiloBaseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Kilo.BasePort)
	factory := func(kilocodeToken string) wrapper.Backend {
		return kilo.NewClient(kiloBaseURL, kilocodeToken, log)
	}
	worker := wrapper.NewWorker(cfg, factory, log)

	// 4. Control loop: consumes pipeline notifications; a terminal upstream
	// error ends the process.
	runErr := make(chan error, 1)
	go func() {
		runErr <- worker.Run(ctx)
	}()

	// 5. Job-control HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := wrapper.NewRouter(worker, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Wrapper.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Job-control server listening", zap.Int("port", cfg.Wrapper.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start job-control server", zap.Error(err))
		}
	}()

	// 6. Wait for a shutdown signal or a terminal pipeline error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		log.Info("Shutting down wrapper process...")
	case err := <-runErr:
		if err != nil {
			log.Error("Worker stopped on terminal error", zap.Error(err))
			exitCode = 1
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Job-control server shutdown error", zap.Error(err))
	}

	log.Info("Wrapper process stopped")
	os.Exit(exitCode)
}
