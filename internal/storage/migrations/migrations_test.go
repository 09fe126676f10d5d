package migrations

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const testTables = `
CREATE TABLE records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	material_id TEXT NOT NULL DEFAULT '',
	task TEXT NOT NULL,
	formula TEXT NOT NULL,
	deprecated INTEGER NOT NULL DEFAULT 0,
	last_updated_utc TEXT NOT NULL DEFAULT ''
);
CREATE TABLE unique_structures (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);
`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "migrations.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(testTables); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
	return db
}

func indexExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query sqlite_master: %v", err)
	}
	return count == 1
}

func TestApplySQLiteDefault(t *testing.T) {
	db := openTestDB(t)
	manager := Default()

	if err := manager.ApplySQLite(db); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	version, err := VersionSQLite(db)
	if err != nil {
		t.Fatalf("failed to read version: %v", err)
	}
	if version != manager.Latest() {
		t.Errorf("expected version %d, got %d", manager.Latest(), version)
	}

	for _, name := range []string{
		"idx_records_material_id", "idx_records_deprecated",
		"idx_records_task_formula", "idx_records_last_updated", "idx_unique_version",
	} {
		if !indexExists(t, db, name) {
			t.Errorf("index %s not created", name)
		}
	}

	// Applying again is a no-op
	if err := manager.ApplySQLite(db); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
}

func TestMaterialIDUniqueIndex(t *testing.T) {
	db := openTestDB(t)
	if err := Default().ApplySQLite(db); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	insert := `INSERT INTO records (id, material_id, task, formula) VALUES (?, ?, 't', 'Li2O')`
	if _, err := db.Exec(insert, "a", "caly-1"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := db.Exec(insert, "b", "caly-1"); err == nil {
		t.Error("expected duplicate material_id to be rejected")
	}
	// Empty material ids are not constrained
	if _, err := db.Exec(insert, "c", ""); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := db.Exec(insert, "d", ""); err != nil {
		t.Errorf("empty material_id should not conflict: %v", err)
	}
}

func TestRollbackSQLite(t *testing.T) {
	db := openTestDB(t)
	manager := Default()
	if err := manager.ApplySQLite(db); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	if err := manager.RollbackSQLite(db); err != nil {
		t.Fatalf("failed to rollback migration: %v", err)
	}

	version, err := VersionSQLite(db)
	if err != nil {
		t.Fatalf("failed to read version: %v", err)
	}
	if version != manager.Latest()-1 {
		t.Errorf("expected version %d after rollback, got %d", manager.Latest()-1, version)
	}
	if indexExists(t, db, "idx_unique_version") {
		t.Error("idx_unique_version should have been dropped")
	}
}

func TestRollbackWithoutMigrations(t *testing.T) {
	db := openTestDB(t)
	manager := NewManager()
	if err := manager.ApplySQLite(db); err != nil {
		t.Fatalf("failed to create version table: %v", err)
	}
	if err := manager.RollbackSQLite(db); err == nil {
		t.Error("expected error rolling back an empty schema")
	}
}
