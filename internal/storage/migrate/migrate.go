// Package migrate runs versioned, reversible schema migrations registered in
// code. Every migration carries a checksum derived from its identity; the
// runner records applied versions in schema_migrations and refuses to proceed
// past a checksum mismatch or a gap in the applied sequence.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/membank/membank/internal/storage"
)

// Migration is one schema change. Up and Down run inside a transaction owned
// by the runner; they must not commit or roll back themselves. Verify, when
// set, runs in the same transaction after Up and should fail if the schema
// did not end up in the expected shape.
type Migration struct {
	// Version is the migration's position in the sequence, starting at 1.
	// Versions must be contiguous.
	Version int

	// Name is a short stable identifier (e.g. "core_tables").
	Name string

	// Description explains what the migration does. Part of the checksum,
	// so changing it after release is a breaking edit.
	Description string

	// Up applies the migration.
	Up func(ctx context.Context, tx *sql.Tx) error

	// Down reverses the migration.
	Down func(ctx context.Context, tx *sql.Tx) error

	// Verify optionally checks the post-Up schema. Nil means no check.
	Verify func(ctx context.Context, tx *sql.Tx) error
}

// Checksum returns the hex sha256 of "version:name:description". The body of
// Up/Down is deliberately excluded: Go code has no stable serialized form,
// and identity changes are what we want to catch.
func (m *Migration) Checksum() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s", m.Version, m.Name, m.Description)))
	return hex.EncodeToString(sum[:])
}

// Record statuses stored in schema_migrations.
const (
	StatusApplied    = "applied"
	StatusRolledBack = "rolled_back"
	StatusFailed     = "failed"
)

// Record is one row of schema_migrations.
type Record struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
	Status    string
}

// StatusEntry pairs a registered migration with its applied state for
// status reporting.
type StatusEntry struct {
	Version  int
	Name     string
	Applied  bool
	Checksum string
	// ChecksumOK is false when the applied record's checksum no longer
	// matches the registered definition.
	ChecksumOK bool
}

// Dialect selects the placeholder style for the runner's own bookkeeping
// statements. Migration bodies write their SQL directly and are not rebound.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Runner applies registered migrations against a database.
type Runner struct {
	db         *sql.DB
	migrations []Migration
	logger     *zap.Logger
	dialect    Dialect

	// DryRun makes Up and Down report what they would do without executing
	// or recording anything.
	DryRun bool
}

// NewRunner validates the registered set (contiguous versions from 1, unique
// names) and returns a runner. The logger may not be nil.
func NewRunner(db *sql.DB, dialect Dialect, migrations []Migration, logger *zap.Logger) (*Runner, error) {
	ms := make([]Migration, len(migrations))
	copy(ms, migrations)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Version < ms[j].Version })

	names := make(map[string]bool, len(ms))
	for i, m := range ms {
		if m.Version != i+1 {
			return nil, fmt.Errorf("%w: registered versions must be contiguous from 1, got %d at position %d",
				storage.ErrMigrationGap, m.Version, i+1)
		}
		if m.Name == "" || m.Up == nil || m.Down == nil {
			return nil, fmt.Errorf("%w: migration %d must have a name, Up, and Down", storage.ErrInvalidInput, m.Version)
		}
		if names[m.Name] {
			return nil, fmt.Errorf("%w: duplicate migration name %q", storage.ErrInvalidInput, m.Name)
		}
		names[m.Name] = true
	}

	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("%w: unknown dialect %q", storage.ErrInvalidInput, dialect)
	}

	return &Runner{db: db, dialect: dialect, migrations: ms, logger: logger}, nil
}

// rebind converts ?-style placeholders to $n for postgres. Bookkeeping
// statements are written once in sqlite style and rebound here.
func (r *Runner) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b = append(b, fmt.Sprintf("$%d", n)...)
			continue
		}
		b = append(b, query[i])
	}
	return string(b)
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			status     TEXT NOT NULL DEFAULT 'applied'
		)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	return nil
}

// applied returns applied (not rolled back) records keyed by version.
func (r *Runner) applied(ctx context.Context) (map[int]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT version, name, checksum, applied_at, status FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]Record)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.Checksum, &rec.AppliedAt, &rec.Status); err != nil {
			return nil, fmt.Errorf("scanning migration record: %w", err)
		}
		if rec.Status == StatusApplied {
			out[rec.Version] = rec
		}
	}
	return out, rows.Err()
}

// Verify checks that every applied migration matches its registered
// definition and that the applied sequence has no gaps.
func (r *Runner) Verify(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return err
	}

	maxApplied := 0
	for v := range applied {
		if v > maxApplied {
			maxApplied = v
		}
	}
	for v := 1; v <= maxApplied; v++ {
		rec, ok := applied[v]
		if !ok {
			return fmt.Errorf("%w: version %d missing below applied version %d", storage.ErrMigrationGap, v, maxApplied)
		}
		if v > len(r.migrations) {
			return fmt.Errorf("%w: applied version %d has no registered definition", storage.ErrChecksumMismatch, v)
		}
		reg := r.migrations[v-1]
		if rec.Checksum != reg.Checksum() {
			return fmt.Errorf("%w: version %d (%s): recorded %s, registered %s",
				storage.ErrChecksumMismatch, v, reg.Name, rec.Checksum, reg.Checksum())
		}
	}
	return nil
}

// Status returns one entry per registered migration.
func (r *Runner) Status(ctx context.Context) ([]StatusEntry, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]StatusEntry, 0, len(r.migrations))
	for _, m := range r.migrations {
		e := StatusEntry{
			Version:    m.Version,
			Name:       m.Name,
			Checksum:   m.Checksum(),
			ChecksumOK: true,
		}
		if rec, ok := applied[m.Version]; ok {
			e.Applied = true
			e.ChecksumOK = rec.Checksum == m.Checksum()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Up applies all pending migrations in order. It verifies the applied state
// first and stops at the first failure, recording it as failed.
// Returns the number of migrations applied (or that would be applied, in
// dry-run mode).
func (r *Runner) Up(ctx context.Context) (int, error) {
	if err := r.Verify(ctx); err != nil {
		return 0, err
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range r.migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		if r.DryRun {
			r.logger.Info("Would apply migration",
				zap.Int("version", m.Version),
				zap.String("name", m.Name))
			count++
			continue
		}
		if err := r.applyOne(ctx, m); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	r.logger.Info("Applying migration",
		zap.Int("version", m.Version),
		zap.String("name", m.Name))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %d: %w", m.Version, err)
	}

	if err := m.Up(ctx, tx); err != nil {
		tx.Rollback()
		r.recordFailure(ctx, m)
		return fmt.Errorf("migration %d (%s) up: %w", m.Version, m.Name, err)
	}
	if m.Verify != nil {
		if err := m.Verify(ctx, tx); err != nil {
			tx.Rollback()
			r.recordFailure(ctx, m)
			return fmt.Errorf("migration %d (%s) verify: %w", m.Version, m.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO schema_migrations (version, name, checksum, applied_at, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			name = excluded.name,
			checksum = excluded.checksum,
			applied_at = excluded.applied_at,
			status = excluded.status`),
		m.Version, m.Name, m.Checksum(), time.Now().UTC(), StatusApplied); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording migration %d: %w", m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", m.Version, err)
	}
	return nil
}

// recordFailure best-effort marks the migration failed outside the rolled
// back transaction, so status output shows where the run stopped.
func (r *Runner) recordFailure(ctx context.Context, m Migration) {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO schema_migrations (version, name, checksum, applied_at, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			applied_at = excluded.applied_at,
			status = excluded.status`),
		m.Version, m.Name, m.Checksum(), time.Now().UTC(), StatusFailed)
	if err != nil {
		r.logger.Warn("Failed to record migration failure",
			zap.Int("version", m.Version), zap.Error(err))
	}
}

// Down rolls back the most recently applied migration.
// Returns the version rolled back, or 0 when nothing is applied.
func (r *Runner) Down(ctx context.Context) (int, error) {
	if err := r.Verify(ctx); err != nil {
		return 0, err
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}
	if len(applied) == 0 {
		return 0, nil
	}

	latest := 0
	for v := range applied {
		if v > latest {
			latest = v
		}
	}
	m := r.migrations[latest-1]

	if r.DryRun {
		r.logger.Info("Would roll back migration",
			zap.Int("version", m.Version),
			zap.String("name", m.Name))
		return m.Version, nil
	}

	r.logger.Info("Rolling back migration",
		zap.Int("version", m.Version),
		zap.String("name", m.Name))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning rollback of %d: %w", m.Version, err)
	}
	if err := m.Down(ctx, tx); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("migration %d (%s) down: %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE schema_migrations SET status = ?, applied_at = ? WHERE version = ?`),
		StatusRolledBack, time.Now().UTC(), m.Version); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("recording rollback of %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing rollback of %d: %w", m.Version, err)
	}
	return m.Version, nil
}
