// cmd/membank-server is the HTTP entry point for MemBank. It exposes the
// JSON-RPC tool surface on POST /rpc, a health check on GET /health, and the
// OAuth 2.0 authorization and token endpoints when a client registry is
// configured. Callers authenticate with a bearer credential on every request:
// either an IdP credential or a broker-issued access token.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
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
	"github.com/membank/membank/web/handlers"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	purgeInterval   = time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "membank-server: %v\n", err)
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

	broker, err := buildBroker(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	if !cfg.Tenancy.MultiTenant {
		// Single-tenant deployments pin every authenticated caller to the
		// legacy user; anyone else is refused.
		if err := store.UpsertUser(ctx, &types.User{
			ID:    cfg.Tenancy.LegacyUserID,
			Email: cfg.Tenancy.LegacyUserID + "@membank.local",
		}); err != nil {
			return fmt.Errorf("creating legacy user: %w", err)
		}
		opts = append(opts, mcp.WithAllowedUser(cfg.Tenancy.LegacyUserID))
	}

	server := mcp.NewServer(eng, mcp.BrokerAuth(broker), logger, opts...)
	router := handlers.New(server, broker, version, logger).Router(cfg.Server.RateLimitRPS)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go purgeExpiredLoop(ctx, broker, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("MemBank HTTP server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("version", version),
			zap.Bool("multi_tenant", cfg.Tenancy.MultiTenant),
			zap.Bool("embedding", provider != nil))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// buildBroker constructs the auth broker, loading the client registry when
// one is configured.
func buildBroker(ctx context.Context, cfg *config.Config, store storage.Store, logger *zap.Logger) (*auth.Broker, error) {
	var verifier auth.IdentityVerifier
	if path := cfg.Auth.ClientRegistryPath; path != "" {
		clients, err := auth.LoadClientRegistry(path)
		if err != nil {
			return nil, err
		}
		if err := auth.RegisterClients(ctx, store, clients); err != nil {
			return nil, err
		}
		static, err := auth.LoadStaticVerifier(path)
		if err != nil {
			return nil, err
		}
		if static != nil {
			// A typed nil interface would defeat the broker's nil check.
			verifier = static
		}
		logger.Info("OAuth client registry loaded",
			zap.String("path", path),
			zap.Int("clients", len(clients)))
	}
	return auth.NewBroker(store, verifier, logger), nil
}

// purgeExpiredLoop removes expired authorization codes and tokens on a
// fixed interval until the context ends.
func purgeExpiredLoop(ctx context.Context, broker *auth.Broker, logger *zap.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := broker.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("Failed to purge expired credentials", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("Purged expired credentials", zap.Int64("removed", removed))
			}
		}
	}
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
