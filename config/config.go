// Package config loads wallet-syncd configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// ServerBaseURL is the wallet backend's REST base URL.
	ServerBaseURL string

	// RealtimeURL is the WebSocket push endpoint. Empty disables realtime.
	RealtimeURL string

	// SQLitePath is the durable blob store location.
	SQLitePath string

	// RedisURL selects the Redis entity cache. Empty selects the
	// in-memory cache.
	RedisURL string

	// SyncInterval drives the auto-sync timer.
	SyncInterval time.Duration

	LogLevel    string
	LogFormat   string
	LogFile     string
	Environment string
}

// Load reads .env files (missing files are fine) and then the environment.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load(paths...)
	return LoadConfig()
}

func LoadConfig() (*Config, error) {
	intervalStr := getEnv("SYNC_INTERVAL", "5m")
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		return nil, errors.New("invalid SYNC_INTERVAL format")
	}

	cfg := &Config{
		ServerBaseURL: os.Getenv("WALLET_SERVER_URL"),
		RealtimeURL:   os.Getenv("WALLET_REALTIME_URL"),
		SQLitePath:    getEnv("WALLET_DB_PATH", "wallet-sync.db"),
		RedisURL:      os.Getenv("REDIS_URL"),
		SyncInterval:  interval,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		LogFile:       os.Getenv("LOG_FILE"),
		Environment:   getEnv("ENVIRONMENT", "production"),
	}

	if cfg.ServerBaseURL == "" {
		return nil, errors.New("WALLET_SERVER_URL is required")
	}
	if cfg.SyncInterval <= 0 {
		return nil, errors.New("SYNC_INTERVAL must be positive")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
