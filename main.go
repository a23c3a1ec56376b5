package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"market_sync_backend/app"
	"market_sync_backend/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer logger.Sync()

	logger.Info("==============================================")
	logger.Info("  Market Sync Backend - Starting...",
		zap.String("env", cfg.App.Env),
		zap.String("timeseries", cfg.TimeSeries.Driver),
		zap.String("docstore", cfg.DocStore.Driver),
		zap.String("docstore_api_key", config.MaskSecret(cfg.DocStore.APIKey)),
		zap.Strings("providers", cfg.Stream.Providers))
	logger.Info("==============================================")

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := application.Run(ctx)
	if runErr != nil {
		logger.Error("Server error", zap.Error(runErr))
	} else {
		logger.Info("Received shutdown signal, shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GraceTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}
	logger.Info("Server shutdown completed")

	if runErr != nil {
		os.Exit(1)
	}
}
