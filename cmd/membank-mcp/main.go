// cmd/membank-mcp is the stdio entry point for the MemBank MCP server.
//
// Startup sequence:
//  1. Load configuration from environment variables.
//  2. Open the storage backend and apply pending migrations.
//  3. Build the embedding provider (behind a circuit breaker) and start the
//     async embedding worker.
//  4. Resolve the user the process serves: the configured legacy user in
//     single-tenant mode, or the owner of MEMBANK_ACCESS_TOKEN in
//     multi-tenant mode.
//  5. Serve JSON-RPC 2.0 requests from stdin, writing responses to stdout.
//
// CRITICAL: all logging goes to stderr. Any bytes written to stdout that are
// not valid JSON-RPC 2.0 response frames corrupt the protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/membank/membank/internal/api/mcp"
	"github.com/membank/membank/internal/auth"
	"github.com/membank/membank/internal/config"
	"github.com/membank/membank/internal/embedding"
	"github.com/membank/membank/internal/engine"
	"github.com/membank/membank/internal/logging"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/storage/postgres"
	"github.com/membank/membank/internal/storage/sqlite"
	"github.com/membank/membank/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "membank-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	queue := engine.NewQueue()
	eng := engine.New(store, provider, queue, logger)

	opts := []mcp.ServerOption{mcp.WithVersion(version)}
	if provider != nil {
		worker := engine.NewWorker(store, provider, queue, logger)
		worker.Start(ctx)
		worker.StartMonitoring(ctx, time.Duration(cfg.Embedding.ScanInterval)*time.Second)
		defer worker.Stop()
		opts = append(opts, mcp.WithWorker(worker))
	}

	userID, err := resolveUser(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	server := mcp.NewServer(eng, mcp.StaticUser(userID), logger, opts...)
	transport := mcp.NewStdioTransport(server, os.Stdin, os.Stdout, logger)

	logger.Info("MemBank MCP server ready",
		zap.String("version", version),
		zap.String("user_id", userID),
		zap.Bool("embedding", provider != nil))

	if err := transport.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resolveUser determines the identity every request on this stdio pipe runs
// as. Multi-tenant mode requires a broker-issued access token; single-tenant
// mode binds to the configured legacy user, creating it on first start.
func resolveUser(ctx context.Context, cfg *config.Config, store storage.Store, logger *zap.Logger) (string, error) {
	if cfg.Tenancy.MultiTenant {
		if cfg.Auth.AccessToken == "" {
			return "", fmt.Errorf("MEMBANK_ACCESS_TOKEN is required in multi-tenant stdio mode")
		}
		broker := auth.NewBroker(store, nil, logger)
		userID, err := broker.Authenticate(ctx, "Bearer "+cfg.Auth.AccessToken)
		if err != nil {
			return "", fmt.Errorf("access token rejected: %w", err)
		}
		return userID, nil
	}

	userID := cfg.Tenancy.LegacyUserID
	if err := store.UpsertUser(ctx, &types.User{
		ID:    userID,
		Email: userID + "@membank.local",
	}); err != nil {
		return "", fmt.Errorf("creating legacy user %q: %w", userID, err)
	}
	return userID, nil
}

// openStore opens the configured storage backend. The sqlite path's parent
// directory is created if missing.
func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return postgres.New(cfg.Storage.PostgresDSN, logger)
	default:
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating data directory %q: %w", dir, err)
			}
		}
		return sqlite.New(cfg.Storage.SQLitePath, logger)
	}
}

// buildProvider constructs the embedding provider, or returns nil when
// embedding is disabled.
func buildProvider(cfg *config.Config, logger *zap.Logger) (embedding.Provider, error) {
	if !cfg.Embedding.Enabled {
		return nil, nil
	}
	inner, err := embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		APIKey:  cfg.Embedding.OpenAIAPIKey,
		Model:   cfg.Embedding.Model,
		BaseURL: cfg.Embedding.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return embedding.NewBreakerProvider(inner, embedding.BreakerConfig{}, logger), nil
}
