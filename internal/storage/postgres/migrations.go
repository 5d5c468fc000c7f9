package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/membank/membank/internal/storage/migrate"
)

// Migrations returns the registered migration set for the PostgreSQL
// backend. The sequence mirrors the sqlite backend version for version so
// both schemas stay in lockstep.
func Migrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Name:        "core_tables",
			Description: "users, entities, memories, interactions base tables",
			Up:          upCoreTables,
			Down:        downCoreTables,
			Verify:      verifyTables("users", "entities", "memories", "interactions"),
		},
		{
			Version:     2,
			Name:        "fts_columns",
			Description: "generated tsvector columns and GIN indices for memories and entities",
			Up:          upFTSColumns,
			Down:        downFTSColumns,
		},
		{
			Version:     3,
			Name:        "indices",
			Description: "covering indices for user-scoped listings and lookups",
			Up:          upIndices,
			Down:        downIndices,
		},
		{
			Version:     4,
			Name:        "oauth_and_usage",
			Description: "oauth clients, authorization codes, tokens, api usage tracking",
			Up:          upOAuthAndUsage,
			Down:        downOAuthAndUsage,
			Verify:      verifyTables("oauth_clients", "oauth_authorization_codes", "oauth_tokens", "api_usage_tracking"),
		},
		{
			Version:     5,
			Name:        "orphan_quarantine",
			Description: "move rows with missing user_id into quarantine tables",
			Up:          upOrphanQuarantine,
			Down:        downOrphanQuarantine,
		},
	}
}

func verifyTables(names ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, name := range names {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1`, name).Scan(&n)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("expected table %q to exist", name)
			}
		}
		return nil
	}
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%.60s: %w", stmt, err)
		}
	}
	return nil
}

func upCoreTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE entities (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL CHECK (user_id <> '') REFERENCES users(id),
			name              TEXT NOT NULL,
			entity_type       TEXT NOT NULL,
			person_type       TEXT NOT NULL DEFAULT '',
			email             TEXT NOT NULL DEFAULT '',
			phone             TEXT NOT NULL DEFAULT '',
			company           TEXT NOT NULL DEFAULT '',
			title             TEXT NOT NULL DEFAULT '',
			website           TEXT NOT NULL DEFAULT '',
			notes             TEXT NOT NULL DEFAULT '',
			importance        DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			tags              JSONB,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			metadata          JSONB,
			is_archived       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE memories (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL CHECK (user_id <> '') REFERENCES users(id),
			title       TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			memory_type TEXT NOT NULL DEFAULT 'memory',
			importance  DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			tags        JSONB,
			entity_ids  JSONB,
			embedding   vector,
			metadata    JSONB,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE interactions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL CHECK (user_id <> '') REFERENCES users(id),
			entity_id        TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			interaction_type TEXT NOT NULL,
			notes            TEXT NOT NULL DEFAULT '',
			occurred_at      TIMESTAMPTZ NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL
		)`,
	)
}

func downCoreTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP TABLE IF EXISTS interactions`,
		`DROP TABLE IF EXISTS memories`,
		`DROP TABLE IF EXISTS entities`,
		`DROP TABLE IF EXISTS users`,
	)
}

// upFTSColumns adds STORED generated tsvector columns. Generation keeps the
// search index in lockstep with the base row within the same transaction,
// matching the sqlite backend's trigger-based parity.
func upFTSColumns(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`ALTER TABLE memories ADD COLUMN fts tsvector
			GENERATED ALWAYS AS (
				to_tsvector('english',
					coalesce(title, '') || ' ' || content || ' ' || coalesce(tags::text, ''))
			) STORED`,
		`CREATE INDEX idx_memories_fts ON memories USING GIN (fts)`,
		`ALTER TABLE entities ADD COLUMN fts tsvector
			GENERATED ALWAYS AS (
				to_tsvector('english',
					name || ' ' || coalesce(notes, '') || ' ' || coalesce(company, '') || ' ' || coalesce(tags::text, ''))
			) STORED`,
		`CREATE INDEX idx_entities_fts ON entities USING GIN (fts)`,
	)
}

func downFTSColumns(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP INDEX IF EXISTS idx_memories_fts`,
		`ALTER TABLE memories DROP COLUMN IF EXISTS fts`,
		`DROP INDEX IF EXISTS idx_entities_fts`,
		`ALTER TABLE entities DROP COLUMN IF EXISTS fts`,
	)
}

func upIndices(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE UNIQUE INDEX idx_users_email ON users (LOWER(email))`,
		`CREATE INDEX idx_entities_user_type ON entities(user_id, entity_type)`,
		`CREATE INDEX idx_entities_user_created ON entities(user_id, created_at DESC)`,
		`CREATE INDEX idx_memories_user_type ON memories(user_id, memory_type)`,
		`CREATE INDEX idx_memories_user_archived ON memories(user_id, is_archived)`,
		`CREATE INDEX idx_memories_user_updated ON memories(user_id, updated_at DESC)`,
		`CREATE INDEX idx_interactions_user_entity ON interactions(user_id, entity_id)`,
	)
}

func downIndices(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP INDEX IF EXISTS idx_users_email`,
		`DROP INDEX IF EXISTS idx_entities_user_type`,
		`DROP INDEX IF EXISTS idx_entities_user_created`,
		`DROP INDEX IF EXISTS idx_memories_user_type`,
		`DROP INDEX IF EXISTS idx_memories_user_archived`,
		`DROP INDEX IF EXISTS idx_memories_user_updated`,
		`DROP INDEX IF EXISTS idx_interactions_user_entity`,
	)
}

func upOAuthAndUsage(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE oauth_clients (
			id             TEXT PRIMARY KEY,
			secret_hash    TEXT NOT NULL,
			redirect_uris  JSONB NOT NULL,
			allowed_scopes JSONB NOT NULL DEFAULT '[]',
			name           TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE oauth_authorization_codes (
			code         TEXT PRIMARY KEY,
			client_id    TEXT NOT NULL REFERENCES oauth_clients(id),
			user_id      TEXT NOT NULL REFERENCES users(id),
			redirect_uri TEXT NOT NULL,
			scope        TEXT NOT NULL DEFAULT '',
			expires_at   TIMESTAMPTZ NOT NULL,
			used         BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE oauth_tokens (
			token      TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL REFERENCES oauth_clients(id),
			user_id    TEXT NOT NULL REFERENCES users(id),
			scope      TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			revoked    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE api_usage_tracking (
			user_id  TEXT NOT NULL REFERENCES users(id),
			provider TEXT NOT NULL,
			date     TIMESTAMPTZ NOT NULL,
			tokens   BIGINT NOT NULL DEFAULT 0,
			cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, provider, date)
		)`,
		`CREATE INDEX idx_oauth_tokens_expires ON oauth_tokens(expires_at)`,
	)
}

func downOAuthAndUsage(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP INDEX IF EXISTS idx_oauth_tokens_expires`,
		`DROP TABLE IF EXISTS api_usage_tracking`,
		`DROP TABLE IF EXISTS oauth_tokens`,
		`DROP TABLE IF EXISTS oauth_authorization_codes`,
		`DROP TABLE IF EXISTS oauth_clients`,
	)
}

func upOrphanQuarantine(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS memories_quarantine AS
			SELECT * FROM memories WHERE user_id IS NULL OR user_id = ''`,
		`DELETE FROM memories WHERE user_id IS NULL OR user_id = ''`,
		`CREATE TABLE IF NOT EXISTS entities_quarantine AS
			SELECT * FROM entities WHERE user_id IS NULL OR user_id = ''`,
		`DELETE FROM entities WHERE user_id IS NULL OR user_id = ''`,
	)
}

func downOrphanQuarantine(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP TABLE IF EXISTS memories_quarantine`,
		`DROP TABLE IF EXISTS entities_quarantine`,
	)
}
