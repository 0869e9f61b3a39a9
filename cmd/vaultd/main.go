package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/better-wallet/agentvault/internal/api"
	"github.com/better-wallet/agentvault/internal/app"
	"github.com/better-wallet/agentvault/internal/config"
	"github.com/better-wallet/agentvault/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	rt, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize vault", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if rt.Archiver != nil {
		go rt.Archiver.Run(ctx, cfg.AuditArchiveInterval)
		slog.Info("audit archival enabled", "bucket", cfg.AuditArchiveBucket, "interval", cfg.AuditArchiveInterval)
	}

	server := api.NewServer(cfg.OpsPort, rt, rt.Registry)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	slog.Info("vault ready", "chains", rt.Chains.Chains(), "storage", cfg.StorageBackend)

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		stop()
		rt.Close()
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during shutdown", "error", err)
		}

		slog.Info("server stopped")
	}
}
