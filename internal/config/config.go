// Package config provides configuration management for MemBank.
// It loads settings from environment variables with the MEMBANK_ prefix
// and provides sensible defaults for all configuration options. A .env
// file in the working directory is read first when present; real
// environment variables always win over .env entries.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration settings for the MemBank service.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Auth      AuthConfig
	Tenancy   TenancyConfig
	LogLevel  string // zap level: debug, info, warn, error (default: info)
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    // Server port (default: 6363)
	Host string // Server host (default: 127.0.0.1)

	// RateLimitRPS caps requests per second per server instance.
	// Zero disables rate limiting.
	RateLimitRPS float64
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	// Backend selects the storage engine: sqlite or postgres (default: sqlite).
	Backend string

	// SQLitePath is the sqlite database file (default: ./data/membank.db).
	SQLitePath string

	// PostgresDSN is the lib/pq connection string, required when
	// Backend is postgres.
	PostgresDSN string
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	// Enabled turns embedding on. Without it memories are text-search only.
	Enabled bool

	// OpenAIAPIKey authenticates against the embeddings API.
	OpenAIAPIKey string

	// Model is the embedding model name (default: text-embedding-ada-002).
	Model string

	// BaseURL overrides the API endpoint for proxies or compatible servers.
	BaseURL string

	// ScanInterval is how often the worker sweeps for memories missing
	// embeddings, in seconds (default: 60).
	ScanInterval int
}

// AuthConfig contains the auth broker configuration.
type AuthConfig struct {
	// ClientRegistryPath points at the YAML OAuth client registry.
	// Empty disables the OAuth endpoints.
	ClientRegistryPath string

	// AccessToken authenticates the stdio process when multi-tenant mode
	// is on. The token must have been issued by the auth broker.
	AccessToken string
}

// TenancyConfig controls multi-tenant behaviour.
type TenancyConfig struct {
	// MultiTenant serves every authenticated user. When false the server
	// is pinned to LegacyUserID.
	MultiTenant bool

	// LegacyUserID is the single tenant served when MultiTenant is off,
	// and the user the stdio transport binds to.
	LegacyUserID string
}

// Load reads configuration from the environment (and an optional .env
// file) with sensible defaults. All environment variables use the
// MEMBANK_ prefix.
func Load() (*Config, error) {
	// Ignore a missing .env; it is optional in every deployment.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvInt("MEMBANK_PORT", 6363),
			Host:         getEnv("MEMBANK_HOST", "127.0.0.1"),
			RateLimitRPS: getEnvFloat("MEMBANK_RATE_LIMIT_RPS", 25),
		},
		Storage: StorageConfig{
			Backend:     getEnv("MEMBANK_STORAGE_BACKEND", "sqlite"),
			SQLitePath:  getEnv("MEMBANK_SQLITE_PATH", "./data/membank.db"),
			PostgresDSN: getEnv("MEMBANK_POSTGRES_DSN", ""),
		},
		Embedding: EmbeddingConfig{
			Enabled:      getEnvBool("MEMBANK_EMBEDDING_ENABLED", true),
			OpenAIAPIKey: getEnv("MEMBANK_OPENAI_API_KEY", ""),
			Model:        getEnv("MEMBANK_EMBEDDING_MODEL", "text-embedding-ada-002"),
			BaseURL:      getEnv("MEMBANK_OPENAI_BASE_URL", ""),
			ScanInterval: getEnvInt("MEMBANK_EMBEDDING_SCAN_INTERVAL", 60),
		},
		Auth: AuthConfig{
			ClientRegistryPath: getEnv("MEMBANK_CLIENT_REGISTRY", ""),
			AccessToken:        getEnv("MEMBANK_ACCESS_TOKEN", ""),
		},
		Tenancy: TenancyConfig{
			MultiTenant:  getEnvBool("MEMBANK_MULTI_TENANT", false),
			LegacyUserID: getEnv("MEMBANK_LEGACY_USER_ID", "local"),
		},
		LogLevel: getEnv("MEMBANK_LOG_LEVEL", "info"),
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("config: MEMBANK_SQLITE_PATH is required for the sqlite backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: MEMBANK_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q (want sqlite or postgres)", c.Storage.Backend)
	}

	if c.Embedding.Enabled && c.Embedding.OpenAIAPIKey == "" {
		return fmt.Errorf("config: MEMBANK_OPENAI_API_KEY is required when embedding is enabled")
	}
	if !c.Tenancy.MultiTenant && c.Tenancy.LegacyUserID == "" {
		return fmt.Errorf("config: MEMBANK_LEGACY_USER_ID is required in single-tenant mode")
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" as true and "false", "0", "no"
// as false (case-insensitive). If the environment variable exists but
// cannot be parsed as a boolean, it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
