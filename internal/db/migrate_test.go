package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyMigrationsCreatesSchemaAndSeedsRoles(t *testing.T) {
	sqdb, err := OpenSQLite(filepath.Join(t.TempDir(), "portal.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })

	dir := filepath.Join("..", "..", "migrations")
	if err := ApplyMigrations(sqdb, dir, DialectSQLite); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Re-running must be harmless.
	if err := ApplyMigrations(sqdb, dir, DialectSQLite); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	for _, col := range []string{"failed_login_attempts", "locked_until", "google_id", "datev_id", "deleted_at"} {
		if !hasColumn(t, sqdb, "users", col) {
			t.Fatalf("expected users.%s to exist after migration", col)
		}
	}
	if !hasColumn(t, sqdb, "refresh_tokens", "replaced_by_id") {
		t.Fatalf("expected refresh_tokens.replaced_by_id to exist after migration")
	}

	var roles int
	if err := sqdb.QueryRow(`SELECT COUNT(1) FROM roles`).Scan(&roles); err != nil {
		t.Fatalf("count roles: %v", err)
	}
	if roles != 4 {
		t.Fatalf("expected 4 seeded roles, got %d", roles)
	}
}

func TestApplyMigrationsFailsWithoutFiles(t *testing.T) {
	sqdb, err := OpenSQLite(filepath.Join(t.TempDir(), "portal.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := ApplyMigrations(sqdb, t.TempDir(), DialectSQLite); err == nil {
		t.Fatalf("expected an error for an empty migrations dir")
	}
}

func TestSplitStatements(t *testing.T) {
	src := "-- header\nCREATE TABLE a (\n  id TEXT\n);\n\nINSERT INTO a VALUES ('x');\n"
	got := splitStatements(src)
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[1] != "INSERT INTO a VALUES ('x')" {
		t.Fatalf("unexpected second statement %q", got[1])
	}
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]Dialect{"sqlite": DialectSQLite, "pgx": DialectPostgres, "mysql": DialectMySQL} {
		got, err := DialectFor(driver)
		if err != nil || got != want {
			t.Fatalf("DialectFor(%q) = %q, %v", driver, got, err)
		}
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}
}

func hasColumn(t *testing.T, sqdb *sql.DB, tableName, colName string) bool {
	t.Helper()
	rows, err := sqdb.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		t.Fatalf("table_info %s: %v", tableName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan table_info %s: %v", tableName, err)
		}
		if name == colName {
			return true
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate table_info %s: %v", tableName, err)
	}
	return false
}
