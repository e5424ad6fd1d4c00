// Утилита migrate управляет схемой IMS: применяет и откатывает миграции,
// показывает состояние.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/labrise/ims/internal/storage/postgres"
)

const runTimeout = 30 * time.Second

type migrateOptions struct {
	command string
	steps   int
	dsn     string
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if err := run(ctx, os.Stdout, opts); err != nil {
		fail("%v", err)
	}
}

func parseOptions(args []string) (migrateOptions, error) {
	var opts migrateOptions

	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.StringVar(&opts.command, "direction", "up", "command: up|down|status")
	flags.IntVar(&opts.steps, "steps", 0, "migrations to apply/rollback (0=all for up, 1 for down)")
	flags.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: IMS_POSTGRES_DSN)")
	if err := flags.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if strings.TrimSpace(opts.dsn) == "" {
		opts.dsn = strings.TrimSpace(os.Getenv("IMS_POSTGRES_DSN"))
	}
	if opts.dsn == "" {
		return migrateOptions{}, fmt.Errorf("IMS_POSTGRES_DSN (or -dsn) is required")
	}

	opts.command = strings.ToLower(strings.TrimSpace(opts.command))
	switch opts.command {
	case "up", "down", "status":
	default:
		return migrateOptions{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.command)
	}
	return opts, nil
}

func run(ctx context.Context, out io.Writer, opts migrateOptions) error {
	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.command {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		if err := store.MigrateDown(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	}

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "%s: %s\n", opts.command, formatState(state))
	return nil
}

func formatState(state postgres.MigrationState) string {
	return fmt.Sprintf("version=%d applied=%d pending=%d", state.Version, state.Applied, state.Pending)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
