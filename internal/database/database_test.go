package database

import (
	"context"
	"io/fs"
	"os"
	"sort"
	"strings"
	"testing"
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("reading embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migrations found")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".sql") {
			t.Errorf("non-sql file embedded: %s", e.Name())
			continue
		}
		names = append(names, e.Name())
	}

	if !sort.StringsAreSorted(names) {
		t.Errorf("migration files are not in lexical order: %v", names)
	}

	for _, name := range names {
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			t.Errorf("reading %s: %v", name, err)
			continue
		}
		if len(content) == 0 {
			t.Errorf("migration %s is empty", name)
		}
	}
}

// TestOpenAndMigrate needs a live PostgreSQL instance; set TEST_DATABASE_DSN
// to run it.
func TestOpenAndMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	tables := []string{
		"schema_migrations", "users", "campaigns", "contacts",
		"post_call_menus", "commitments", "channel_budgets",
		"agent_breaks", "agent_call_events",
	}
	for _, table := range tables {
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table,
		).Scan(&exists)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
			continue
		}
		if !exists {
			t.Errorf("table %s not found", table)
		}
	}

	// Re-opening must be a no-op for already applied migrations.
	db2, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}
