package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// createSchemaVersionTable creates the table that tracks the schema version applied to the state
// database, guarding against an older binary silently running against a
// newer (and possibly incompatible) schema after a rollback.
const createSchemaVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at TEXT NOT NULL
)`

func ensureSchemaVersionTable(db *sql.DB) error {
	if _, err := db.Exec(createSchemaVersionTable); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}
	return nil
}

// currentSchemaVersion returns the version recorded in db, or 0 if no
// version has ever been recorded.
func currentSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM _schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// The table itself may not exist yet on a brand-new database.
		var name string
		checkErr := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name='_schema_version'`,
		).Scan(&name)
		if checkErr == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if err := ensureSchemaVersionTable(db); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := db.Exec(`UPDATE _schema_version SET version = ?, applied_at = ?`, version, now)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err := db.Exec(
		`INSERT INTO _schema_version (version, applied_at) VALUES (?, ?)`, version, now,
	); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// ensureSchemaVersion records initialVersion the first time a database is
// opened, and otherwise leaves whatever version is already recorded alone.
// Safe to call on every Open.
func ensureSchemaVersion(db *sql.DB, initialVersion int) error {
	if err := ensureSchemaVersionTable(db); err != nil {
		return err
	}
	current, err := currentSchemaVersion(db)
	if err != nil {
		return err
	}
	if current != 0 {
		return nil
	}
	return setSchemaVersion(db, initialVersion)
}

// checkSchemaVersion refuses to proceed if the database's recorded schema
// version is newer than the running binary's, which would otherwise mean
// silently operating on tables or columns this binary doesn't know about.
func checkSchemaVersion(db *sql.DB, binaryVersion int) error {
	current, err := currentSchemaVersion(db)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf(
			"store: database schema version %d is newer than binary version %d — "+
				"refusing to start (use a newer binary or restore from backup)",
			current, binaryVersion,
		)
	}
	return nil
}

// backupDatabase copies the SQLite file at dbPath to a timestamped sibling
// file, then verifies the copy with PRAGMA integrity_check before returning
// its path. Used by internal/gc's periodic sweep after its retention deletes.
func backupDatabase(dbPath string) (string, error) {
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)
	safeTS := strings.ReplaceAll(time.Now().UTC().Format(time.RFC3339), ":", "-")
	backupPath := filepath.Join(dir, base+".bak."+safeTS)

	if err := copyFile(dbPath, backupPath); err != nil {
		return "", fmt.Errorf("backup copy %s -> %s: %w", dbPath, backupPath, err)
	}
	if err := checkDatabaseIntegrity(backupPath); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("backup integrity check failed for %s: %w", backupPath, err)
	}
	return backupPath, nil
}

// pruneOldBackups removes dbPath's .bak.* siblings older than maxAge.
func pruneOldBackups(dbPath string, maxAge time.Duration) error {
	pattern := filepath.Join(filepath.Dir(dbPath), filepath.Base(dbPath)+".bak.*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("glob backups for %s: %w", dbPath, err)
	}

	cutoff := time.Now().Add(-maxAge)
	var errs []string
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			errs = append(errs, fmt.Sprintf("stat %s: %v", match, err))
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(match); err != nil {
				errs = append(errs, fmt.Sprintf("remove %s: %v", match, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("prune old backups: %s", strings.Join(errs, "; "))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create dest: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return out.Sync()
}

func checkDatabaseIntegrity(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity_check query: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check returned: %s", result)
	}
	return nil
}

// BackupDatabase copies the store's underlying SQLite file to a timestamped
// backup, verifying it with PRAGMA integrity_check. Exported for
// internal/gc's periodic sweep.
func (s *Store) BackupDatabase() (string, error) {
	return backupDatabase(s.dbPath)
}

// PruneOldBackups removes this store's backup files older than maxAge.
func (s *Store) PruneOldBackups(maxAge time.Duration) error {
	return pruneOldBackups(s.dbPath, maxAge)
}
