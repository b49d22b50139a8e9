package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCurrentSchemaVersion_FreshDB(t *testing.T) {
	db := openTempDB(t)
	v, err := currentSchemaVersion(db)
	if err != nil {
		t.Fatalf("currentSchemaVersion: %v", err)
	}
	if v != 0 {
		t.Errorf("want 0, got %d", v)
	}
}

func TestSetAndCurrentSchemaVersion(t *testing.T) {
	db := openTempDB(t)

	if err := setSchemaVersion(db, 3); err != nil {
		t.Fatalf("setSchemaVersion(3): %v", err)
	}
	v, _ := currentSchemaVersion(db)
	if v != 3 {
		t.Errorf("want 3, got %d", v)
	}

	if err := setSchemaVersion(db, 7); err != nil {
		t.Fatalf("setSchemaVersion(7): %v", err)
	}
	v, _ = currentSchemaVersion(db)
	if v != 7 {
		t.Errorf("want 7 after update, got %d", v)
	}
}

func TestEnsureSchemaVersion_SetOnFreshDB(t *testing.T) {
	db := openTempDB(t)
	if err := ensureSchemaVersion(db, 1); err != nil {
		t.Fatalf("ensureSchemaVersion: %v", err)
	}
	v, _ := currentSchemaVersion(db)
	if v != 1 {
		t.Errorf("want 1, got %d", v)
	}
}

func TestEnsureSchemaVersion_DoesNotOverwrite(t *testing.T) {
	db := openTempDB(t)
	if err := setSchemaVersion(db, 5); err != nil {
		t.Fatalf("setSchemaVersion(5): %v", err)
	}
	if err := ensureSchemaVersion(db, 1); err != nil {
		t.Fatalf("ensureSchemaVersion: %v", err)
	}
	v, _ := currentSchemaVersion(db)
	if v != 5 {
		t.Errorf("want 5 (unchanged), got %d", v)
	}
}

func TestCheckSchemaVersion_RejectsDowngrade(t *testing.T) {
	db := openTempDB(t)
	_ = setSchemaVersion(db, 5)

	err := checkSchemaVersion(db, 3)
	if err == nil {
		t.Fatal("expected error when schema(5) > binary(3), got nil")
	}
	if !strings.Contains(err.Error(), "schema version 5 is newer than binary version 3") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestCheckSchemaVersion_FreshDBOK(t *testing.T) {
	db := openTempDB(t)
	if err := checkSchemaVersion(db, 1); err != nil {
		t.Errorf("unexpected error on fresh db: %v", err)
	}
}

func TestBackupDatabase_CopiesAndVerifiesIntegrity(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite file: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE t (x INTEGER)`); err != nil {
		t.Fatalf("init table: %v", err)
	}
	db.Close()

	backupPath, err := backupDatabase(dbPath)
	if err != nil {
		t.Fatalf("backupDatabase: %v", err)
	}
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("original file should still exist: %v", err)
	}
}

func TestPruneOldBackups_RemovesOnlyExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	if err := os.WriteFile(dbPath, nil, 0o644); err != nil {
		t.Fatalf("write db: %v", err)
	}

	oldBackup := dbPath + ".bak.2020-01-01T00-00-00Z"
	recentBackup := dbPath + ".bak." + time.Now().UTC().Format("2006-01-02T15-04-05Z")
	for _, p := range []string{oldBackup, recentBackup} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write backup: %v", err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldBackup, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := pruneOldBackups(dbPath, 24*time.Hour); err != nil {
		t.Fatalf("pruneOldBackups: %v", err)
	}

	if _, err := os.Stat(oldBackup); !os.IsNotExist(err) {
		t.Error("old backup should have been removed")
	}
	if _, err := os.Stat(recentBackup); os.IsNotExist(err) {
		t.Error("recent backup should still exist")
	}
}
