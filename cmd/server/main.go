package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/hydraico/client"
	"github.com/brojonat/hydraico/service/config"
	"github.com/brojonat/hydraico/service/metrics"
	natspkg "github.com/brojonat/hydraico/service/nats"
	"github.com/brojonat/hydraico/service/server"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Ledger-of-record client for statistics and holder lookups
	ledger := client.NewClient(cfg.LedgerAPIURL, nil, logger).WithMetrics(metricsCollector)
	logger.Info("initialized ledger-of-record client", "url", cfg.LedgerAPIURL)

	// NATS subscriber for SSE purchase streams; the API runs without it
	var stream server.EventStream
	subscriber, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("NATS unavailable, purchase streaming disabled", "nats_url", cfg.NATSURL, "error", err)
	} else {
		defer subscriber.Close()
		stream = subscriber
	}

	httpServer, err := server.New(cfg.ServerAddr, cfg, ledger, stream, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	logger.Info("server initialized, all dependencies ready",
		"ledger_api_url", cfg.LedgerAPIURL,
		"nats_url", cfg.NATSURL,
		"payment_currency", cfg.Sale.PaymentCurrency,
		"treasury", cfg.Sale.Treasury.String(),
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
