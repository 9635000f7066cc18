package store

import (
	"path/filepath"
	"testing"
)

// setupTestDB opens a fresh database in a temp dir and applies all
// migrations, so tests always run against the real schema.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	return db
}
