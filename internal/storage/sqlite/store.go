// Package sqlite implements the storage contracts on a single SQLite
// database file using the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/storage/migrate"
)

// Compile-time interface checks.
var (
	_ storage.Store          = (*Store)(nil)
	_ storage.SearchProvider = (*Store)(nil)
)

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens the database at dsn (a file path or ":memory:"), configures WAL
// mode, and applies pending migrations.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode lets readers proceed without blocking the
	// writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // Connections live for the lifetime of the store.

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	runner, err := migrate.NewRunner(db, migrate.DialectSQLite, Migrations(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := runner.Up(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for the migration CLI.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// serializeEmbedding encodes a vector as little-endian float32 bytes.
// A nil or empty vector encodes as nil (stored as SQL NULL).
func serializeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeEmbedding decodes little-endian float32 bytes back to a vector.
func deserializeEmbedding(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding blob length %d not a multiple of 4", storage.ErrInvalidInput, len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
