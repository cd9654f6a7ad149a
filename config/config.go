// Package config loads application configuration from environment
// variables, with a .env file picked up when present.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds everything the webserver and backfill CLI read from the
// environment.
type Config struct {
	// DBDir is the directory holding the per-symbol store files.
	DBDir string
	// Port is the HTTP API port.
	Port int
	// MetricsAddr is the Prometheus listener address.
	MetricsAddr string
	// Provider tags every stored row; there is one exchange today.
	Provider string
}

// Load reads configuration with defaults matching the deployment layout.
// A missing .env file is not an error.
func Load() *Config {
	godotenv.Load()

	return &Config{
		DBDir:       getEnv("DB_DIR", "."),
		Port:        getEnvInt("PORT", 8080),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		Provider:    getEnv("PROVIDER", "binance"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
