package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PerpVault/internal/persistence"

	_ "github.com/lib/pq"
)

// TestPostgresDSN returns the DSN for Postgres-backed tests, or "" when
// they should be skipped.
func TestPostgresDSN() string {
	return os.Getenv("PERP_TEST_POSTGRES_DSN")
}

// TestNATSURL returns the NATS URL for integration tests, or "".
func TestNATSURL() string {
	return os.Getenv("PERP_TEST_NATS_URL")
}

// TestRedisURL returns the Redis URL for integration tests, or "".
func TestRedisURL() string {
	return os.Getenv("PERP_TEST_REDIS_URL")
}

var tables = []string{
	"event_log.journal",
	"event_log.snapshots",
	"event_log.events",
	"projections.balances",
	"projections.positions",
	"projections.position_history",
	"projections.products",
	"projections.vault",
	"projections.stakes",
	"projections.token_stakes",
	"projections.reward_pools",
	"projections.reward_accounts",
	"projections.governance",
	"projections.watermark",
}

// SetupTestDB opens the test database, applies migrations and empties
// every table. The test is skipped when PERP_TEST_POSTGRES_DSN is unset.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := TestPostgresDSN()
	if dsn == "" {
		t.Skip("PERP_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}

	if _, err := persistence.NewMigrator(db, MigrationsDir(t)).Up(ctx); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", table)); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// MigrationsDir walks up from the working directory to the module root
// and returns its migrations/ directory.
func MigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("module root not found")
		}
		dir = parent
	}
}
