package config

import (
	"fmt"
	"os"
)

// ServerConfig configures the dev store binary. It is read entirely from
// environment variables so the container story stays simple.
type ServerConfig struct {
	Port        string
	Backend     string // "memory" or "sqlite"
	SQLitePath  string
	FixturePath string
	LogLevel    string
}

func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:        getEnvOrDefault("PORT", "8080"),
		Backend:     getEnvOrDefault("STORE_BACKEND", "memory"),
		SQLitePath:  getEnvOrDefault("SQLITE_PATH", "devstore.db"),
		FixturePath: getEnvOrDefault("FIXTURE_PATH", ""),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if cfg.Backend != "memory" && cfg.Backend != "sqlite" {
		return nil, fmt.Errorf("invalid STORE_BACKEND: %s (must be 'memory' or 'sqlite')", cfg.Backend)
	}
	if cfg.Backend == "sqlite" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("SQLITE_PATH is required with the sqlite backend")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
