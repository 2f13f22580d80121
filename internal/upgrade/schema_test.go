package upgrade

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplyFreshDatabase(t *testing.T) {
	db := openTestDB(t)

	st, err := Apply(db)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentVersion != RequiredSchemaVersion || st.NeedsMigration {
		t.Errorf("status = %+v, want version %d", st, RequiredSchemaVersion)
	}

	if _, err := db.Exec(`INSERT INTO sessions (key, data, updated) VALUES ('k', '{}', 0)`); err != nil {
		t.Errorf("sessions table unusable after migration: %v", err)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	if _, err := Apply(db); err != nil {
		t.Fatal(err)
	}
	st, err := Apply(db)
	if err != nil {
		t.Fatal(err)
	}
	if st.NeedsMigration {
		t.Errorf("second apply still reports pending migration: %+v", st)
	}
}

func TestCheckSchemaRejectsNewerDatabase(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", RequiredSchemaVersion+1)); err != nil {
		t.Fatal(err)
	}

	_, err := CheckSchema(db)
	if err == nil {
		t.Fatal("expected error for newer schema")
	}
}
