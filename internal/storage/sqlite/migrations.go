package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/membank/membank/internal/storage/migrate"
)

// Migrations returns the full registered migration set for the SQLite
// backend. Versions are contiguous from 1; editing a released migration's
// identity breaks its checksum, so fixes go in new versions.
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
			Name:        "fts_tables",
			Description: "FTS5 virtual tables and sync triggers for memories and entities",
			Up:          upFTSTables,
			Down:        downFTSTables,
			Verify:      verifyTables("memories_fts", "entities_fts"),
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

// verifyTables returns a Verify step asserting each named table exists.
func verifyTables(names ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, name := range names {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, name).Scan(&n)
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
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func upCoreTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL COLLATE NOCASE UNIQUE,
			name       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
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
			importance        REAL NOT NULL DEFAULT 0.5,
			tags              TEXT,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			metadata          TEXT,
			is_archived       INTEGER NOT NULL DEFAULT 0,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE memories (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL CHECK (user_id <> '') REFERENCES users(id),
			title       TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			memory_type TEXT NOT NULL DEFAULT 'memory',
			importance  REAL NOT NULL DEFAULT 0.5,
			tags        TEXT,
			entity_ids  TEXT,
			embedding   BLOB,
			metadata    TEXT,
			is_archived INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE interactions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL CHECK (user_id <> '') REFERENCES users(id),
			entity_id        TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			interaction_type TEXT NOT NULL,
			notes            TEXT NOT NULL DEFAULT '',
			occurred_at      TIMESTAMP NOT NULL,
			created_at       TIMESTAMP NOT NULL
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

func upFTSTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE VIRTUAL TABLE memories_fts USING fts5(
			title, content, tags,
			content='memories',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER memories_fts_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, title, content, tags)
			VALUES (new.rowid, new.title, new.content, COALESCE(new.tags, ''));
		END`,
		`CREATE TRIGGER memories_fts_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, title, content, tags)
			VALUES ('delete', old.rowid, old.title, old.content, COALESCE(old.tags, ''));
		END`,
		`CREATE TRIGGER memories_fts_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, title, content, tags)
			VALUES ('delete', old.rowid, old.title, old.content, COALESCE(old.tags, ''));
			INSERT INTO memories_fts(rowid, title, content, tags)
			VALUES (new.rowid, new.title, new.content, COALESCE(new.tags, ''));
		END`,
		`CREATE VIRTUAL TABLE entities_fts USING fts5(
			name, notes, company, tags,
			content='entities',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER entities_fts_ai AFTER INSERT ON entities BEGIN
			INSERT INTO entities_fts(rowid, name, notes, company, tags)
			VALUES (new.rowid, new.name, new.notes, new.company, COALESCE(new.tags, ''));
		END`,
		`CREATE TRIGGER entities_fts_ad AFTER DELETE ON entities BEGIN
			INSERT INTO entities_fts(entities_fts, rowid, name, notes, company, tags)
			VALUES ('delete', old.rowid, old.name, old.notes, old.company, COALESCE(old.tags, ''));
		END`,
		`CREATE TRIGGER entities_fts_au AFTER UPDATE ON entities BEGIN
			INSERT INTO entities_fts(entities_fts, rowid, name, notes, company, tags)
			VALUES ('delete', old.rowid, old.name, old.notes, old.company, COALESCE(old.tags, ''));
			INSERT INTO entities_fts(rowid, name, notes, company, tags)
			VALUES (new.rowid, new.name, new.notes, new.company, COALESCE(new.tags, ''));
		END`,
	)
}

func downFTSTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP TRIGGER IF EXISTS memories_fts_ai`,
		`DROP TRIGGER IF EXISTS memories_fts_ad`,
		`DROP TRIGGER IF EXISTS memories_fts_au`,
		`DROP TABLE IF EXISTS memories_fts`,
		`DROP TRIGGER IF EXISTS entities_fts_ai`,
		`DROP TRIGGER IF EXISTS entities_fts_ad`,
		`DROP TRIGGER IF EXISTS entities_fts_au`,
		`DROP TABLE IF EXISTS entities_fts`,
	)
}

func upIndices(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
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
			redirect_uris  TEXT NOT NULL,
			allowed_scopes TEXT NOT NULL DEFAULT '[]',
			name           TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE oauth_authorization_codes (
			code         TEXT PRIMARY KEY,
			client_id    TEXT NOT NULL REFERENCES oauth_clients(id),
			user_id      TEXT NOT NULL REFERENCES users(id),
			redirect_uri TEXT NOT NULL,
			scope        TEXT NOT NULL DEFAULT '',
			expires_at   TIMESTAMP NOT NULL,
			used         INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE oauth_tokens (
			token      TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL REFERENCES oauth_clients(id),
			user_id    TEXT NOT NULL REFERENCES users(id),
			scope      TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP NOT NULL,
			revoked    INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE api_usage_tracking (
			user_id  TEXT NOT NULL REFERENCES users(id),
			provider TEXT NOT NULL,
			date     TIMESTAMP NOT NULL,
			tokens   INTEGER NOT NULL DEFAULT 0,
			cost     REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, provider, date)
		)`,
		`CREATE INDEX idx_usage_user_provider_date ON api_usage_tracking(user_id, provider, date)`,
		`CREATE INDEX idx_oauth_tokens_expires ON oauth_tokens(expires_at)`,
	)
}

func downOAuthAndUsage(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`DROP INDEX IF EXISTS idx_oauth_tokens_expires`,
		`DROP INDEX IF EXISTS idx_usage_user_provider_date`,
		`DROP TABLE IF EXISTS api_usage_tracking`,
		`DROP TABLE IF EXISTS oauth_tokens`,
		`DROP TABLE IF EXISTS oauth_authorization_codes`,
		`DROP TABLE IF EXISTS oauth_clients`,
	)
}

// upOrphanQuarantine moves any legacy rows carrying a NULL or empty user_id
// into *_quarantine tables rather than deleting them. On a fresh database
// (CHECK constraints in place since version 1) this is a no-op, but it makes
// the no-orphans invariant hold for databases imported from older layouts.
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
