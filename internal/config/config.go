package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"convopilot-server/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds all configuration settings. It is loaded once at startup
// and treated as immutable; workers receive it by injection.
type Config struct {
	Server struct {
		Port int    `json:"port"`
		Host string `json:"host"`
	} `json:"server"`
	Database struct {
		Driver string `json:"driver"` // "sqlite3" or "postgres"
		DSN    string `json:"dsn"`
	} `json:"database"`
	JWT struct {
		Secret      string        `json:"secret"`
		TokenExpiry time.Duration `json:"token_expiry"`
	} `json:"jwt"`
	Webhook struct {
		// Shared secret for the HMAC signature on inbound channel events.
		Secret string `json:"secret"`
	} `json:"webhook"`
	Queue struct {
		BatchSize          int           `json:"batch_size"`
		MaxAttempts        int           `json:"max_attempts"`
		BackoffBase        time.Duration `json:"backoff_base"`
		LeaseTimeout       time.Duration `json:"lease_timeout"`
		CompletedRetention time.Duration `json:"completed_retention"`
		FailedRetention    time.Duration `json:"failed_retention"`
		JanitorInterval    time.Duration `json:"janitor_interval"`
	} `json:"queue"`
	Orchestrator struct {
		PollInterval     time.Duration `json:"poll_interval"`
		HistoryLimit     int           `json:"history_limit"`
		ChunkingEnabled  bool          `json:"chunking_enabled"`
		MaxChunks        int           `json:"max_chunks"`
		InterChunkDelay  time.Duration `json:"inter_chunk_delay"`
		HeavyProfileMinLen int         `json:"heavy_profile_min_len"`
		AutoRespond      bool          `json:"auto_respond"`
		BusinessHourFrom int           `json:"business_hour_from"` // 0-23, local
		BusinessHourTo   int           `json:"business_hour_to"`   // exclusive; 0,0 = always open
	} `json:"orchestrator"`
	Dispatcher struct {
		PollInterval time.Duration `json:"poll_interval"`
		Budget       time.Duration `json:"budget"`
	} `json:"dispatcher"`
	Generation struct {
		BaseURL    string        `json:"base_url"`
		APIKey     string        `json:"api_key"`
		LightModel string        `json:"light_model"`
		HeavyModel string        `json:"heavy_model"`
		Timeout    time.Duration `json:"timeout"`
	} `json:"generation"`
	Telegram struct {
		Token string `json:"token"`
		Debug bool   `json:"debug"`
	} `json:"telegram"`
	Redis struct {
		Addr    string `json:"addr"`
		Channel string `json:"channel"`
	} `json:"redis"`
	Logging struct {
		Level string `json:"level"`
		Path  string `json:"path"`
	} `json:"logging"`
}

// LoadConfig loads configuration from a JSON file. A .env file in the
// working directory, if present, is loaded first so that environment
// overrides (applied after the file) can come from either source.
func LoadConfig(path string) (*Config, error) {
	// Validate path to prevent directory traversal
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("config path must be absolute")
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("config file error: %w", err)
	}
	if !fileInfo.Mode().IsRegular() {
		return nil, fmt.Errorf("config path is not a regular file")
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Warn("Failed to close config file", zap.Error(closeErr))
		}
	}()

	config := DefaultConfig()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides lets secrets and connection strings come from the
// environment instead of the config file.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("CONVOPILOT_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("CONVOPILOT_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("CONVOPILOT_JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("CONVOPILOT_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("CONVOPILOT_GENERATION_API_KEY"); v != "" {
		c.Generation.APIKey = v
	}
	if v := os.Getenv("CONVOPILOT_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("CONVOPILOT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CONVOPILOT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	config := &Config{}
	config.Server.Port = 8080
	config.Server.Host = "localhost"
	config.Database.Driver = "sqlite3"
	config.Database.DSN = "file:convopilot.db?cache=shared&mode=rwc"
	config.JWT.Secret = "your-secret-key" // This should be changed in production
	config.JWT.TokenExpiry = 24 * time.Hour
	config.Webhook.Secret = "your-webhook-secret"
	config.Queue.BatchSize = 10
	config.Queue.MaxAttempts = 5
	config.Queue.BackoffBase = 30 * time.Second
	config.Queue.LeaseTimeout = 5 * time.Minute
	config.Queue.CompletedRetention = 24 * time.Hour
	config.Queue.FailedRetention = 7 * 24 * time.Hour
	config.Queue.JanitorInterval = time.Minute
	config.Orchestrator.PollInterval = 2 * time.Second
	config.Orchestrator.HistoryLimit = 30
	config.Orchestrator.ChunkingEnabled = true
	config.Orchestrator.MaxChunks = 5
	config.Orchestrator.InterChunkDelay = 1500 * time.Millisecond
	config.Orchestrator.HeavyProfileMinLen = 20
	config.Orchestrator.AutoRespond = true
	config.Dispatcher.PollInterval = 2 * time.Second
	config.Dispatcher.Budget = 25 * time.Second
	config.Generation.BaseURL = "https://api.openai.com/v1"
	config.Generation.LightModel = "gpt-4o-mini"
	config.Generation.HeavyModel = "gpt-4o"
	config.Generation.Timeout = 60 * time.Second
	config.Redis.Channel = "convopilot:messages"
	config.Logging.Level = "info"
	config.Logging.Path = "server.log"
	return config
}
