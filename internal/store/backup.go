package store

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
)

// Backup writes a consistent snapshot of the store to destPath using
// SQLite's VACUUM INTO, which the sqlite engine guarantees is atomic with
// respect to concurrent writers (spec §4.1/§6). Backup is refused after a
// Restore has happened this run, since restoring atop a running worker
// leaves the on-disk file and the open connection's page cache out of
// sync until the process restarts.
func (s *Store) Backup(destPath string) error {
	if s.restored.Load() {
		return gatewayerr.InvalidParams("store: backup is disabled after a restore; restart the process first")
	}
	_, err := s.worker.submit(func(db *sql.DB) (any, error) {
		_, err := db.Exec(`VACUUM INTO ?`, destPath)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("store: backing up to %s: %w", destPath, err)
	}
	return nil
}

// Compact runs SQLite's VACUUM to reclaim space and defragment the store
// file. Like Backup, it is refused after a Restore.
func (s *Store) Compact() error {
	if s.restored.Load() {
		return gatewayerr.InvalidParams("store: compact is disabled after a restore; restart the process first")
	}
	_, err := s.worker.submit(func(db *sql.DB) (any, error) {
		_, err := db.Exec(`VACUUM`)
		return nil, err
	})
	return err
}

// Restore replaces the store's contents with the file at srcPath. The
// source is validated to contain the reserved namespace table before
// anything is touched, guarding against restoring an unrelated SQLite
// file over the live store (spec §4.1). Restore is not itself re-entrant:
// after it succeeds, Backup and Compact refuse further calls until the
// process restarts, since the live *sql.DB's cached schema/page state can
// no longer be trusted to match the replaced file.
func (s *Store) Restore(srcPath string) error {
	if err := validateBackupFile(srcPath); err != nil {
		return err
	}

	_, err := s.worker.submit(func(db *sql.DB) (any, error) {
		if err := db.Close(); err != nil {
			return nil, err
		}
		srcData, err := os.ReadFile(srcPath)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(s.path, srcData, 0o600); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("store: restoring from %s: %w", srcPath, err)
	}

	// The old worker's db is already closed and it has no more jobs
	// in flight (submit above blocked until its job returned), so this
	// only needs to stop its goroutine before the field is reassigned —
	// otherwise it leaks until process exit.
	s.worker.close()

	newDB, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("store: reopening %s after restore: %w", s.path, err)
	}
	newDB.SetMaxOpenConns(1)
	s.db = newDB
	s.worker = newWorker(newDB)
	s.restored.Store(true)

	if err := s.loadProtectionSets(); err != nil {
		return fmt.Errorf("store: reloading protection sets after restore: %w", err)
	}
	s.logger.Warn("store: restored from backup; process restart required before further backup/compact")
	return nil
}

// validateBackupFile opens srcPath read-only and confirms the reserved
// namespace table exists, so a malformed or unrelated file is rejected
// before Restore touches the live store.
func validateBackupFile(srcPath string) error {
	if _, err := os.Stat(srcPath); err != nil {
		return gatewayerr.InvalidParams(fmt.Sprintf("store: backup file %s: %v", srcPath, err))
	}
	db, err := sql.Open("sqlite", srcPath)
	if err != nil {
		return fmt.Errorf("store: opening backup file %s: %w", srcPath, err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, namespaceTable).Scan(&name)
	if err == sql.ErrNoRows {
		return gatewayerr.InvalidParams(fmt.Sprintf("store: %s does not contain a %s table; refusing to restore", srcPath, namespaceTable))
	}
	return err
}
