// Fraudwatch - real-time transaction fraud risk assessment
package main

import (
	"context"
	"os"

	"github.com/sentineldata/fraudwatch/internal/config"
	"github.com/sentineldata/fraudwatch/internal/logging"
	"github.com/sentineldata/fraudwatch/internal/server"
	"github.com/sentineldata/fraudwatch/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting fraudwatch",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"risk_threshold", cfg.RiskThreshold,
		"velocity_window_minutes", cfg.VelocityWindowMinutes,
	)

	ctx := context.Background()

	// Tracing is optional; without an endpoint spans are no-ops
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

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
