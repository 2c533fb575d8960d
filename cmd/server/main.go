// Nexlance wallet service - escrow ledger for the freelance marketplace
package main

import (
	"context"
	"os"

	"github.com/nexlance/wallet-service/internal/config"
	"github.com/nexlance/wallet-service/internal/logging"
	"github.com/nexlance/wallet-service/internal/server"
	"github.com/nexlance/wallet-service/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "json"
	if !cfg.IsProduction() {
		format = "text"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting wallet-service",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	ctx := context.Background()

	// Tracing is optional; without an OTLP endpoint spans are dropped.
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTraces(context.Background()); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
