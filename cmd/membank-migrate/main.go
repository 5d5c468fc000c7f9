// cmd/membank-migrate manages the MemBank schema from the command line.
//
// Usage:
//
//	membank-migrate [--dry-run] <status|up|down|verify>
//
// The target database comes from the usual MEMBANK_ environment variables.
// `down` rolls back the most recently applied migration. Exit codes: 0 on
// success, 1 on failure, 2 when the applied history fails validation
// (checksum mismatch or sequence gap).
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/membank/membank/internal/config"
	"github.com/membank/membank/internal/logging"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/storage/migrate"
	"github.com/membank/membank/internal/storage/postgres"
	"github.com/membank/membank/internal/storage/sqlite"
)

const (
	exitFailure    = 1
	exitValidation = 2
)

var errUsage = errors.New("invalid usage")

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would change without executing")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(exitValidation)
	}
	command := flag.Arg(0)

	if err := run(command, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "membank-migrate: %v\n", err)
		if errors.Is(err, storage.ErrChecksumMismatch) || errors.Is(err, storage.ErrMigrationGap) || errors.Is(err, errUsage) {
			os.Exit(exitValidation)
		}
		os.Exit(exitFailure)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: membank-migrate [--dry-run] <status|up|down|verify>")
}

func run(command string, dryRun bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	runner, db, err := buildRunner(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	runner.DryRun = dryRun

	ctx := context.Background()
	switch command {
	case "status":
		return printStatus(ctx, runner)
	case "up":
		applied, err := runner.Up(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s%d migration(s) applied\n", dryRunPrefix(dryRun), applied)
		return nil
	case "down":
		rolledBack, err := runner.Down(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s%d migration(s) rolled back\n", dryRunPrefix(dryRun), rolledBack)
		return nil
	case "verify":
		if err := runner.Verify(ctx); err != nil {
			return err
		}
		fmt.Println("applied history matches registered migrations")
		return nil
	default:
		usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

// buildRunner opens the configured database without applying anything and
// returns a runner over the backend's registered migration set. Unlike the
// servers, which migrate on startup, the CLI leaves every change to the
// invoked command.
func buildRunner(cfg *config.Config, logger *zap.Logger) (*migrate.Runner, *sql.DB, error) {
	var (
		db       *sql.DB
		dialect  migrate.Dialect
		registry []migrate.Migration
		err      error
	)
	switch cfg.Storage.Backend {
	case "postgres":
		db, err = sql.Open("postgres", cfg.Storage.PostgresDSN)
		dialect = migrate.DialectPostgres
		registry = postgres.Migrations()
	default:
		db, err = sql.Open("sqlite", cfg.Storage.SQLitePath)
		dialect = migrate.DialectSQLite
		registry = sqlite.Migrations()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	runner, err := migrate.NewRunner(db, dialect, registry, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return runner, db, nil
}

func printStatus(ctx context.Context, runner *migrate.Runner) error {
	entries, err := runner.Status(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		state := "pending"
		if e.Applied {
			state = "applied"
			if !e.ChecksumOK {
				state = "CHECKSUM MISMATCH"
			}
		}
		fmt.Printf("%3d  %-30s %s\n", e.Version, e.Name, state)
	}
	return nil
}

func dryRunPrefix(dryRun bool) string {
	if dryRun {
		return "[dry-run] "
	}
	return ""
}
