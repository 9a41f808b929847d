package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/gogo/runner/internal/app"
	"github.com/xiaot623/gogo/runner/internal/config"
	"github.com/xiaot623/gogo/runner/internal/logging"
	handler "github.com/xiaot623/gogo/runner/internal/transport/http"
)

const (
	drainTimeout    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("Starting runner...")
	logger.Infof("HTTP Port: %d", cfg.HTTPPort)
	logger.Infof("Database: %s", cfg.DatabaseURL)
	logger.Infof("Run state backend: %s", cfg.RunStateBackend)
	logger.Infof("Instance: %s", cfg.InstanceID)

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize runner: %v", err)
	}
	defer a.Close()

	// Start orphan sweeper
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.Engine.RunSweeper(sweepCtx, cfg.OrphanSweepEvery)
	}()

	// Start server
	server := handler.NewServer(a.Engine, a.Registry, logger)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	logger.Infof("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down runner...")

	// The sweeper must not adopt records this instance is about to hand over.
	stopSweeper()
	<-sweeperDone

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	marked := a.Engine.Drain(drainCtx)
	if err := a.Engine.Wait(drainCtx); err != nil {
		logger.WithError(err).Warn("runs still active after drain")
	}
	cancelDrain()
	logger.Infof("Handed over %d runs", marked)

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Failed to shutdown server gracefully: %v", err)
	}

	logger.Info("Runner stopped")
}
