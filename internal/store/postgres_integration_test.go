package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("DIAGRAMSYNC_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DIAGRAMSYNC_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, migrationsDir, zap.NewNop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// a second pass must be a no-op
	if err := ApplyMigrations(ctx, db, migrationsDir, zap.NewNop()); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	runStoreContract(t, NewPostgresStore(db))
}
