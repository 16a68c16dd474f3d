// Package config collects the environment-driven settings the orchestrator
// needs to start (spec.md §6.3). There is no persisted configuration file;
// all domain state lives in the Store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting. Fields are plain values,
// not pointers: a missing var always falls back to its documented default.
type Config struct {
	HTTPAddr          string        // ORCHESTRATOR_HTTP_ADDR, default ":8080"
	DBDriver          string        // ORCHESTRATOR_DB_DRIVER, "sqlite" or "postgres", default "sqlite"
	DBDSN             string        // ORCHESTRATOR_DB_DSN, default "./orchestrator.db"
	LogLevel          string        // ORCHESTRATOR_LOG_LEVEL, default "info"
	HeartbeatInterval time.Duration // HEARTBEAT_INTERVAL seconds, default 10
	DispatchTimeout   time.Duration // ORCHESTRATOR_DISPATCH_TIMEOUT seconds, default 10
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() (Config, error) {
	heartbeat, err := envSeconds("HEARTBEAT_INTERVAL", 10)
	if err != nil {
		return Config{}, err
	}
	dispatchTimeout, err := envSeconds("ORCHESTRATOR_DISPATCH_TIMEOUT", 10)
	if err != nil {
		return Config{}, err
	}

	return Config{
		HTTPAddr:          envOrDefault("ORCHESTRATOR_HTTP_ADDR", ":8080"),
		DBDriver:          envOrDefault("ORCHESTRATOR_DB_DRIVER", "sqlite"),
		DBDSN:             envOrDefault("ORCHESTRATOR_DB_DSN", "./orchestrator.db"),
		LogLevel:          envOrDefault("ORCHESTRATOR_LOG_LEVEL", "info"),
		HeartbeatInterval: heartbeat,
		DispatchTimeout:   dispatchTimeout,
	}, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envSeconds(key string, defaultSeconds int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defaultSeconds) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer number of seconds, got %q: %w", key, v, err)
	}
	return time.Duration(n) * time.Second, nil
}
