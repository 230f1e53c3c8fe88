package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	flag "github.com/spf13/pflag"

	"CustodyLedger/internal/config"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/persistence"
)

func usage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <up|down>")
	fmt.Fprintln(os.Stderr, "  up   - apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down - roll back the last migration")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags (also CUSTODY_POSTGRES_DSN, CUSTODY_MIGRATIONS_DIR):")
	fs.PrintDefaults()
}

func main() {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.String("postgres.dsn", config.DefaultPostgresDSN, "Postgres connection string")
	fs.String("migrations.dir", config.DefaultMigrationsDir, "path to migrations directory")
	fs.String("log.level", "info", "log level")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() != 1 {
		usage(fs)
		os.Exit(2)
	}

	v, err := config.NewViper(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := observability.NewConsoleLogger("migrate", observability.ParseLogLevel(v.GetString("log.level")))

	db, err := sql.Open("postgres", v.GetString("postgres.dsn"))
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, v.GetString("migrations.dir"), logger)

	switch fs.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", fs.Arg(0))
		os.Exit(1)
	}
}
