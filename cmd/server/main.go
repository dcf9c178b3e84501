package main

import (
	"os"

	"convopilot-server/internal/config"
	"convopilot-server/pkg/logger"

	"go.uber.org/zap"
)

var version = "dev"

func main() {
	// Load configuration
	cfg := config.DefaultConfig()
	if path := os.Getenv("CONVOPILOT_CONFIG"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Path, cfg.Logging.Level); err != nil {
		panic(err)
	}
	defer logger.Info("Server shutting down", zap.String("version", version))

	// Setup and start server
	srv, err := SetupServer(cfg)
	if err != nil {
		logger.Fatal("Failed to setup server", zap.Error(err))
		return
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
