// Package config loads the engine's environment-driven defaults: the
// directory service base URL, local store path, and the key-maintenance
// and linking timing constants every service needs.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DirectoryBaseURL string
	StorePath        string
	AuthToken        string

	SignedPrekeyRotationInterval time.Duration
	OneTimePrekeyRefillThreshold int
	OneTimePrekeyTarget          int
	LinkingCodeTTL               time.Duration
	LinkingPollInterval          time.Duration
	LinkingPollTimeout           time.Duration
	PBKDF2Iterations             int

	LogLevel string
}

// Load reads configuration from the environment, falling back to this
// engine's documented defaults.
func Load() Config {
	return Config{
		DirectoryBaseURL:             getenv("E2EE_DIRECTORY_BASE_URL", "http://localhost:8082"),
		StorePath:                    getenv("E2EE_STORE_PATH", "e2ee-store.db"),
		AuthToken:                    getenv("E2EE_AUTH_TOKEN", ""),
		SignedPrekeyRotationInterval: getdur("E2EE_SIGNED_PREKEY_ROTATION", 7*24*time.Hour),
		OneTimePrekeyRefillThreshold: getint("E2EE_OTK_REFILL_THRESHOLD", 25),
		OneTimePrekeyTarget:          getint("E2EE_OTK_TARGET", 100),
		LinkingCodeTTL:               getdur("E2EE_LINKING_CODE_TTL", 5*time.Minute),
		LinkingPollInterval:          getdur("E2EE_LINKING_POLL_INTERVAL", 2*time.Second),
		LinkingPollTimeout:           getdur("E2EE_LINKING_POLL_TIMEOUT", 5*time.Minute),
		PBKDF2Iterations:             getint("E2EE_PBKDF2_ITERATIONS", 100000),
		LogLevel:                     getenv("E2EE_LOG_LEVEL", "info"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
