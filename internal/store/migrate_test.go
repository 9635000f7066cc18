package store

import (
	"path/filepath"
	"testing"
)

func TestMigrateUpDownUp(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migrate.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("first MigrateUp: %v", err)
	}

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if dirty {
		t.Fatal("migration state is dirty after MigrateUp")
	}
	if version == 0 {
		t.Fatal("version is 0 after MigrateUp")
	}

	// Up again is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp after down: %v", err)
	}
}

func TestSchemaHasExpectedTables(t *testing.T) {
	db := setupTestDB(t)

	tables := []string{
		"clip_tasks", "raw_annotations", "agreement_records",
		"qc_groups", "canonical_annotations", "emitted_groups", "processed_events",
	}
	for _, table := range tables {
		var n int
		err := db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		if err != nil {
			t.Fatalf("query sqlite_master for %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing after migration", table)
		}
	}
}
