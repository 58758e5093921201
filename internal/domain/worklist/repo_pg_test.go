package worklist

import (
	"context"
	"os"
	"testing"

	"github.com/ehr/worklist/internal/platform/db"
	"github.com/ehr/worklist/migrations"
)

// TestStorePG runs against a disposable database named by TEST_DATABASE_URL.
func TestStorePG(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, url, "worklist-test", 4, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := db.NewPGMigrator(pool, migrations.Postgres()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	runStoreContract(t, func(t *testing.T) Store {
		if _, err := pool.Exec(ctx, `TRUNCATE procedure_steps, scheduled_procedures, patients`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewStorePG(pool)
	})
}
