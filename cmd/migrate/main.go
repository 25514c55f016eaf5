// Command migrate manages the splitpay PostgreSQL schema.
//
//	migrate up                apply pending migrations
//	migrate up-by-one         apply the next pending migration
//	migrate up-to VERSION     apply migrations through VERSION
//	migrate down              roll back the latest migration
//	migrate down-to VERSION   roll back to VERSION (0 drops everything)
//	migrate status            list migrations and when they were applied
//	migrate version           print the current schema version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/pflag"

	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	dsn := pflag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	timeout := pflag.Duration("timeout", 5*time.Minute, "give up after this long")
	logFormat := pflag.String("log-format", "text", "log format: text, json or tint")
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [flags] up|up-by-one|up-to N|down|down-to N|status|version")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() < 1 {
		pflag.Usage()
		return errors.New("missing command")
	}
	if *dsn == "" {
		return errors.New("DATABASE_URL or --database-url is required")
	}
	logger := logging.New("info", *logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	cmd, args := pflag.Arg(0), pflag.Args()[1:]
	switch cmd {
	case "up":
		rs, err := p.Up(ctx)
		return report(logger.Info, rs, err)
	case "up-by-one":
		r, err := p.UpByOne(ctx)
		return report(logger.Info, []*goose.MigrationResult{r}, err)
	case "up-to", "down-to":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		var rs []*goose.MigrationResult
		if cmd == "up-to" {
			rs, err = p.UpTo(ctx, v)
		} else {
			rs, err = p.DownTo(ctx, v)
		}
		return report(logger.Info, rs, err)
	case "down":
		r, err := p.Down(ctx)
		return report(logger.Info, []*goose.MigrationResult{r}, err)
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "pending"
			if st.State == goose.StateApplied {
				applied = st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%5d  %-25s  %s\n", st.Source.Version, applied, st.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		pflag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected exactly one VERSION argument")
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[0])
	}
	return v, nil
}

func report(log func(string, ...any), results []*goose.MigrationResult, err error) error {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		log("migration "+r.Direction,
			"version", r.Source.Version,
			"file", r.Source.Path,
			"duration", r.Duration,
		)
	}
	if errors.Is(err, goose.ErrNoNextVersion) || errors.Is(err, goose.ErrNoCurrentVersion) {
		log("nothing to do")
		return nil
	}
	return err
}
