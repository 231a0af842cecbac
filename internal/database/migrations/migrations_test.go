package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	err := MigrateUp(db, SQLite)
	if err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	tables := []string{"users", "nodes", "node_closure", "file_chunks", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestMigrateUp_UnknownDialect(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db, "oracle"); err == nil {
		t.Error("MigrateUp() expected error for unknown dialect, got nil")
	}
}

func TestCheckDBMigrationStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	err := CheckDBMigrationStatus(db, SQLite)
	if err == nil {
		t.Fatal("CheckDBMigrationStatus() expected error for fresh database, got nil")
	}

	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("CheckDBMigrationStatus() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheckDBMigrationStatus_AfterMigration(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	err := CheckDBMigrationStatus(db, SQLite)
	if err != nil {
		t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
	}

	version, dirty, err := Version(db, SQLite)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	latest, err := LatestVersion(SQLite)
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if version != latest || dirty {
		t.Errorf("Version() = %d dirty=%v, want %d clean", version, dirty, latest)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}

	if err := MigrateUp(db, SQLite); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}

	if err := CheckDBMigrationStatus(db, SQLite); err != nil {
		t.Errorf("CheckDBMigrationStatus() after double migration returned error: %v", err)
	}
}

func TestLatestVersion_DialectsAgree(t *testing.T) {
	sqlite, err := LatestVersion(SQLite)
	if err != nil {
		t.Fatalf("LatestVersion(sqlite) error = %v", err)
	}
	postgres, err := LatestVersion(Postgres)
	if err != nil {
		t.Fatalf("LatestVersion(postgres) error = %v", err)
	}
	if sqlite != postgres {
		t.Errorf("sqlite is at %d, postgres at %d", sqlite, postgres)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO file_chunks (node_id, chunk_index, chunk_size, blob_ref, checksum)
		VALUES (42, 0, 10, 'ref', 'sum')
	`)

	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_SiblingNamesUnique(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	mustExec(t, db, "INSERT INTO users (id, username) VALUES (1, 'alice')")
	mustExec(t, db, "INSERT INTO nodes (id, user_id, name, parent_id, type, atime, mtime, ctime, crtime) VALUES (1, 1, '/', NULL, 2, 0, 0, 0, 0)")
	mustExec(t, db, "INSERT INTO nodes (id, user_id, name, parent_id, type, atime, mtime, ctime, crtime) VALUES (2, 1, 'a', 1, 2, 0, 0, 0, 0)")

	_, err := db.Exec("INSERT INTO nodes (id, user_id, name, parent_id, type, atime, mtime, ctime, crtime) VALUES (3, 1, 'a', 1, 1, 0, 0, 0, 0)")
	if err == nil {
		t.Error("Expected unique constraint violation for duplicate sibling name, but insert succeeded")
	}
}

func TestSchema_OneRootPerUser(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	mustExec(t, db, "INSERT INTO users (id, username) VALUES (1, 'alice')")
	mustExec(t, db, "INSERT INTO nodes (id, user_id, name, parent_id, type, atime, mtime, ctime, crtime) VALUES (1, 1, '/', NULL, 2, 0, 0, 0, 0)")

	_, err := db.Exec("INSERT INTO nodes (id, user_id, name, parent_id, type, atime, mtime, ctime, crtime) VALUES (2, 1, 'other', NULL, 2, 0, 0, 0, 0)")
	if err == nil {
		t.Error("Expected second root to be rejected, but insert succeeded")
	}
}

func TestSchema_ClosureCascades(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	mustExec(t, db, "INSERT INTO users (id, username) VALUES (1, 'alice')")
	mustExec(t, db, "INSERT INTO nodes (id, user_id, name, parent_id, type, atime, mtime, ctime, crtime) VALUES (1, 1, '/', NULL, 2, 0, 0, 0, 0)")
	mustExec(t, db, "INSERT INTO nodes (id, user_id, name, parent_id, type, atime, mtime, ctime, crtime) VALUES (2, 1, 'f', 1, 1, 0, 0, 0, 0)")
	mustExec(t, db, "INSERT INTO node_closure (ancestor, descendant, depth) VALUES (2, 2, 0), (1, 2, 1)")
	mustExec(t, db, "INSERT INTO file_chunks (node_id, chunk_index, chunk_size, blob_ref, checksum) VALUES (2, 0, 3, 'r', 's')")
	mustExec(t, db, "DELETE FROM nodes WHERE id = 2")

	var n int
	if err := db.QueryRow("SELECT (SELECT COUNT(*) FROM node_closure) + (SELECT COUNT(*) FROM file_chunks)").Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if n != 0 {
		t.Errorf("%d closure or chunk rows survived node deletion", n)
	}
}

func mustExec(t *testing.T, db *sql.DB, query string) {
	t.Helper()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("Exec(%q) failed: %v", query, err)
	}
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// Every pooled connection would get its own in-memory database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	return db
}
