// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/splitpay/migrations"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest opens a test database connection, applies the goose migrations,
// and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL wins when set. Otherwise a throwaway postgres container is
// started once per test binary; when Docker is unavailable the test is
// skipped. The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		if os.Getenv("SPLITPAY_SKIP_CONTAINERS") != "" {
			t.Skip("POSTGRES_URL not set and containers disabled, skipping integration test")
		}
		dbURL = startContainer()
		if dbURL == "" {
			t.Skipf("POSTGRES_URL not set and no container available: %v", containerErr)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}

	return db, cleanup
}

// Migrate applies every embedded migration.
func Migrate(ctx context.Context, db *sql.DB) error {
	return migrations.Up(ctx, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// startContainer runs a postgres container shared by every test in the
// binary. It is left for the ryuk reaper to remove.
func startContainer() string {
	containerOnce.Do(func() {
		defer func() {
			// testcontainers panics when no Docker host can be found.
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker unavailable: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		var ctr *tcpostgres.PostgresContainer
		for attempt := 1; attempt <= 3; attempt++ {
			ctr, containerErr = tcpostgres.Run(ctx,
				"postgres:16-alpine",
				tcpostgres.WithDatabase("splitpay"),
				tcpostgres.WithUsername("test"),
				tcpostgres.WithPassword("test"),
				tcpostgres.BasicWaitStrategies(),
			)
			if containerErr == nil || !retryable(containerErr) {
				break
			}
			time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
		}
		if containerErr != nil {
			return
		}
		containerURL, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	return containerURL
}

func retryable(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "context deadline exceeded")
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests. Uses TRUNCATE ... CASCADE to handle foreign keys.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
}
