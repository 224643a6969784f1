// Taskmarket - escrow settlement for the local-services marketplace
package main

import (
	"context"
	"os"

	"github.com/mbd888/taskmarket/internal/config"
	"github.com/mbd888/taskmarket/internal/logging"
	"github.com/mbd888/taskmarket/internal/server"
	"github.com/mbd888/taskmarket/internal/traces"
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

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting taskmarket",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"grace_period", cfg.GracePeriod.String(),
		"commission_standard_bps", cfg.Commission.StandardBps,
		"commission_subscribed_bps", cfg.Commission.SubscribedBps,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

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
