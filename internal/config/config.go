// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"fhirtx/internal/infrastructure/storage/postgres"
)

// Config holds everything cmd/server and cmd/worker need to start.
type Config struct {
	AppEnv  string
	AppPort string

	LogLevel string

	DatabaseURL string
	Pool        postgres.PoolConfig
}

// Load reads Config from the environment, applying the same defaults
// both binaries fall back to when a variable is unset.
func Load() (Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return Config{}, fmt.Errorf("required environment variable DATABASE_URL not set")
	}

	pool := postgres.DefaultPoolConfig(dsn)
	if v := getEnvInt32("DB_MAX_CONNS", 0); v > 0 {
		pool.MaxConns = v
	}
	if v := getEnvInt32("DB_MIN_CONNS", 0); v > 0 {
		pool.MinConns = v
	}
	if v := getEnvDuration("DB_MAX_CONN_LIFETIME", 0); v > 0 {
		pool.MaxConnLifetime = v
	}
	if v := getEnvDuration("DB_MAX_CONN_IDLE_TIME", 0); v > 0 {
		pool.MaxConnIdleTime = v
	}

	return Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		AppPort:     getEnv("APP_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: dsn,
		Pool:        pool,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt32(key string, defaultValue int32) int32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			return int32(n)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
