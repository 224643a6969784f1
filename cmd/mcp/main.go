// Command mcp runs the arbiter console: dispute review and arbitration
// exposed as MCP tools over stdio.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/taskmarket/internal/logging"
	"github.com/mbd888/taskmarket/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	// stdout carries the MCP protocol
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg := mcpserver.Config{
		APIURL: envOrDefault("TASKMARKET_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("TASKMARKET_API_KEY"),
	}
	if cfg.APIKey == "" {
		logger.Error("TASKMARKET_API_KEY is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	arbiterID, err := mcpserver.NewClient(cfg).VerifyArbiter(ctx)
	cancel()
	if err != nil {
		logger.Error("cannot start arbiter console", "api", cfg.APIURL, "error", err)
		os.Exit(1)
	}
	logger.Info("arbiter console ready", "api", cfg.APIURL, "arbiter", arbiterID, "version", mcpserver.Version)

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
