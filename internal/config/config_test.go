package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MEMBANK_EMBEDDING_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6363, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "./data/membank.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "text-embedding-ada-002", cfg.Embedding.Model)
	assert.Equal(t, 60, cfg.Embedding.ScanInterval)
	assert.False(t, cfg.Tenancy.MultiTenant)
	assert.Equal(t, "local", cfg.Tenancy.LegacyUserID)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MEMBANK_PORT", "7000")
	t.Setenv("MEMBANK_STORAGE_BACKEND", "postgres")
	t.Setenv("MEMBANK_POSTGRES_DSN", "postgres://localhost/membank?sslmode=disable")
	t.Setenv("MEMBANK_EMBEDDING_ENABLED", "false")
	t.Setenv("MEMBANK_MULTI_TENANT", "true")
	t.Setenv("MEMBANK_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.True(t, cfg.Tenancy.MultiTenant)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	t.Setenv("MEMBANK_EMBEDDING_ENABLED", "false")

	t.Run("postgres requires DSN", func(t *testing.T) {
		t.Setenv("MEMBANK_STORAGE_BACKEND", "postgres")
		_, err := Load()
		assert.ErrorContains(t, err, "MEMBANK_POSTGRES_DSN")
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("MEMBANK_STORAGE_BACKEND", "oracle")
		_, err := Load()
		assert.ErrorContains(t, err, "unknown storage backend")
	})

	t.Run("embedding requires API key", func(t *testing.T) {
		t.Setenv("MEMBANK_EMBEDDING_ENABLED", "true")
		t.Setenv("MEMBANK_OPENAI_API_KEY", "")
		_, err := Load()
		assert.ErrorContains(t, err, "MEMBANK_OPENAI_API_KEY")
	})
}

func TestBoolParsing(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true}, {"1", true}, {"YES", true},
		{"false", false}, {"0", false}, {"No", false},
		{"maybe", true}, // unparsable falls back to the default
	}
	for _, tt := range tests {
		t.Setenv("MEMBANK_TEST_BOOL", tt.value)
		assert.Equal(t, tt.want, getEnvBool("MEMBANK_TEST_BOOL", true), tt.value)
	}
}
