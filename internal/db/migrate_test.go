package db

import (
	"path/filepath"
	"testing"

	"github.com/schemewise/governance/internal/models"
)

func TestMigrateCreatesTables(t *testing.T) {
	conn, errOpen := Open(filepath.Join(t.TempDir(), "governance.db"))
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, table := range []string{"settings", "usage_ledgers", "guest_checks", "eligibility_checks"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
	for _, column := range []string{"today_registered_usage", "total_public_usage", "history", "version", "time_zone"} {
		if !conn.Migrator().HasColumn(&models.UsageLedger{}, column) {
			t.Fatalf("usage_ledgers missing column %s", column)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, errOpen := Open(filepath.Join(t.TempDir(), "governance.db"))
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	for i := 0; i < 2; i++ {
		if errMigrate := Migrate(conn); errMigrate != nil {
			t.Fatalf("migrate run %d: %v", i+1, errMigrate)
		}
	}
}

func TestDetectDialectFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://user:pw@localhost:5432/governance": DialectPostgres,
		"host=localhost user=app dbname=governance":    DialectPostgres,
		"data/governance.db":                           DialectSQLite,
		"file:data/governance.db?cache=shared":         DialectSQLite,
		"sqlite://data/governance.db":                  DialectSQLite,
	}
	for dsn, want := range cases {
		got, err := detectDialectFromDSN(dsn)
		if err != nil {
			t.Fatalf("detect %q: %v", dsn, err)
		}
		if got != want {
			t.Fatalf("detect %q: expected %s, got %s", dsn, want, got)
		}
	}
	if _, err := detectDialectFromDSN("mysql://localhost/governance"); err == nil {
		t.Fatalf("expected unsupported dsn error")
	}
}

func TestEnsureSQLiteParamsKeepsExisting(t *testing.T) {
	got := ensureSQLiteParams("file:governance.db?_pragma=busy_timeout(100)")
	want := "file:governance.db?_pragma=busy_timeout(100)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if path := sqlitePathFromDSN(got); path != "governance.db" {
		t.Fatalf("expected path governance.db, got %q", path)
	}
}
