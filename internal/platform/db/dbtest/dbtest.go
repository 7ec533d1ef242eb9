// Package dbtest connects repository tests to a real Postgres. Tests skip
// unless DATABASE_URL is set; the schema is migrated once per package run.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easygopharm/intake/internal/platform/db"
)

var (
	migrateOnce sync.Once
	migrateErr  error
)

// Pool returns a migrated pool or skips the test. Records created by the
// test are left in place, so callers use fresh ids.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := db.NewPool(ctx, url, 8, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	migrateOnce.Do(func() {
		_, migrateErr = db.NewMigrator(pool, migrationsDir()).Up(ctx)
	})
	if migrateErr != nil {
		t.Fatalf("migrate: %v", migrateErr)
	}
	return pool
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "..", "migrations")
}
