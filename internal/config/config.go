// Package config loads the orchestrator's runtime configuration from the
// environment. The per-state worker pool sizing and SQLite busy timeout
// are deliberately not here: those are compile-time constants in
// internal/pool and internal/store, not operator-tunable knobs.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the orchestrator and the --check subcommand read
// from the environment.
type Config struct {
	// DBPath is where the SQLite store lives on disk.
	DBPath string
	// SeedHost is inserted as the bootstrap Discovered instance on first run.
	SeedHost string
	// MetricsAddr is the listen address for the /metrics HTTP endpoint.
	// Empty disables the metrics server.
	MetricsAddr string
	// ListPath is where the list generator writes its JSON snapshot.
	ListPath string
	// ProbeTimeout bounds each NodeInfo HTTP round trip.
	ProbeTimeout time.Duration
	// SpawnRatePerSecond caps how many checker subprocesses the pool may
	// start per second, across all targets combined (spec's Non-goals
	// exclude per-target rate limiting; this is process-global only).
	SpawnRatePerSecond float64
}

// Load reads configuration from the environment. Call LoadEnvFile first if
// a .env file should seed os.Environ().
func Load() *Config {
	return &Config{
		DBPath:             getEnv("FEDIVERSE_CRAWLER_DB_PATH", "fediverse.observer.db"),
		SeedHost:           getEnv("FEDIVERSE_CRAWLER_SEED_HOST", "mastodon.social"),
		MetricsAddr:        getEnv("FEDIVERSE_CRAWLER_METRICS_ADDR", ":9181"),
		ListPath:           getEnv("FEDIVERSE_CRAWLER_LIST_PATH", "instances.json"),
		ProbeTimeout:       getEnvDuration("FEDIVERSE_CRAWLER_PROBE_TIMEOUT", 10*time.Second),
		SpawnRatePerSecond: getEnvFloat("FEDIVERSE_CRAWLER_SPAWN_RATE", 50.0),
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
