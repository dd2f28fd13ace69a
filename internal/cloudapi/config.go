package cloudapi

import (
	"os"
	"time"
)

// Config holds the cloud server configuration, loaded from environment
// variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	Token           string // shared sync token; empty disables auth
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"
	MaxBodyBytes    int64
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8090",
		DBPath:          "./data/cloud.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		MaxBodyBytes:    64 << 20, // artifact uploads
	}

	if v := os.Getenv("CLOUDD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CLOUDD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CLOUDD_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("CLOUDD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CLOUDD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}
