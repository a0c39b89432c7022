// Package config provides configuration management for testgen.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the testgen server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":9092").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// ModelServerURL is the base URL of the llama.cpp model server.
	ModelServerURL string

	// Timeout is the per-request timeout for model server calls.
	Timeout time.Duration

	// MaxRetries is the number of attempts against the model server
	// before a generation request is failed. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between attempts; the actual sleep
	// grows linearly with the attempt number. Default: 2s.
	RetryDelay time.Duration

	// PrimaryModel is the model used when auto-selection is disabled and
	// the caller does not pick one. Default: "deepseek-v2".
	PrimaryModel string

	// AutoSelection lets the model server pick the model when the caller
	// does not specify one. Default: true.
	AutoSelection bool

	// CacheEnabled toggles the in-memory response cache.
	CacheEnabled bool

	// CacheSize is the maximum number of cached responses. Default: 100.
	CacheSize int

	// CacheTTL is how long a cached response stays valid. Default: 60m.
	CacheTTL time.Duration
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.testgen/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("TESTGEN_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:     envOr("TESTGEN_ADDR", ":9092"),
		DataDir:        dataDir,
		DatabasePath:   filepath.Join(dataDir, "testgen.db"),
		ModelServerURL: envOr("MODEL_SERVER_URL", "http://localhost:8080"),
		Timeout:        envOrDuration("TESTGEN_TIMEOUT", 180*time.Second),
		MaxRetries:     envOrInt("TESTGEN_MAX_RETRIES", 3),
		RetryDelay:     envOrDuration("TESTGEN_RETRY_DELAY", 2*time.Second),
		PrimaryModel:   envOr("TESTGEN_PRIMARY_MODEL", "deepseek-v2"),
		AutoSelection:  envOrBool("TESTGEN_AUTO_SELECTION", true),
		CacheEnabled:   envOrBool("TESTGEN_CACHE_ENABLED", true),
		CacheSize:      envOrInt("TESTGEN_CACHE_SIZE", 100),
		CacheTTL:       envOrDuration("TESTGEN_CACHE_TTL", 60*time.Minute),
	}

	return cfg, nil
}

// loadConfigFile reads ~/.testgen/config.env and sets any values that are not
// already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	path := filepath.Join(defaultDataDir(), "config.env")
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist or can't be read, that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ModelServerURL == "" {
		return fmt.Errorf("MODEL_SERVER_URL is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("TESTGEN_MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("TESTGEN_TIMEOUT must be positive, got %v", c.Timeout)
	}
	if c.CacheEnabled && c.CacheSize < 1 {
		return fmt.Errorf("TESTGEN_CACHE_SIZE must be at least 1, got %d", c.CacheSize)
	}
	return nil
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".testgen"
	}
	return filepath.Join(home, ".testgen")
}
