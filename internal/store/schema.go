package store

import (
	"database/sql"
	"fmt"
	"regexp"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
)

// createTableNameRe pulls the table name out of a "CREATE TABLE [IF NOT
// EXISTS] <name> (...)" prototype, tolerating the quoting styles SQLite
// accepts (`name`, "name", [name], or bare). This is a minimal parse, not a
// SQL parser: it exists only to catch the name/prototype mismatch spec
// §4.1 calls out, not to validate the rest of the statement.
var createTableNameRe = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(?:` + "`([^`]+)`" + `|"([^"]+)"|\[([^\]]+)\]|(\w+))`)

// prototypeTableName extracts the declared table name from prototype, per
// RegisterTable's "parsed minimally to verify the declared name matches"
// requirement (spec §4.1).
func prototypeTableName(prototype string) (string, error) {
	m := createTableNameRe.FindStringSubmatch(prototype)
	if m == nil {
		return "", fmt.Errorf("store: prototype is not a recognizable CREATE TABLE statement")
	}
	for _, group := range m[1:] {
		if group != "" {
			return group, nil
		}
	}
	return "", fmt.Errorf("store: prototype is not a recognizable CREATE TABLE statement")
}

// MigrateFunc upgrades the schema of a registered table from oldVersion to
// the newly-registered version, run inside the same transaction as the
// registry update.
type MigrateFunc func(tx *sql.Tx, oldVersion int) error

// RegisterTable declares an auxiliary SQL table owned by a component,
// mirroring original_source/moonraker/components/database.py's
// register_table-style schema ownership (the Python original only manages
// namespace_store; components that want raw SQL tables are a documented
// extension point here).
//
// prototype is the CREATE TABLE statement verbatim (used both to create
// the table on first registration and to detect drift on subsequent
// registrations). version must be >= 1. If a prior registration exists
// with a lower version, migrate is invoked within the same transaction
// that updates the registry row; a version that hasn't increased but
// whose prototype text differs from the recorded one only logs a warning
// (spec §4.1: prototype-mismatch-without-version-bump is non-fatal).
func (s *Store) RegisterTable(name, prototype string, version int, migrate MigrateFunc) error {
	if version < 1 {
		return gatewayerr.InvalidParams(fmt.Sprintf("store: table %q: version must be >= 1, got %d", name, version))
	}

	declared, err := prototypeTableName(prototype)
	if err != nil {
		return gatewayerr.InvalidParams(fmt.Sprintf("store: table %q: %v", name, err))
	}
	if declared != name {
		return gatewayerr.InvalidParams(fmt.Sprintf("store: table %q: prototype declares table %q", name, declared))
	}

	_, err = s.worker.submit(func(db *sql.DB) (any, error) {
		tx, err := db.Begin()
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		var existingPrototype string
		var existingVersion int
		err = tx.QueryRow(`SELECT prototype, version FROM `+registryTable+` WHERE name = ?`, name).Scan(&existingPrototype, &existingVersion)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(prototype); err != nil {
				return nil, fmt.Errorf("store: creating table %q: %w", name, err)
			}
			if _, err := tx.Exec(`INSERT INTO `+registryTable+` (name, prototype, version) VALUES (?, ?, ?)`, name, prototype, version); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		case version > existingVersion:
			if migrate != nil {
				if err := migrate(tx, existingVersion); err != nil {
					return nil, fmt.Errorf("store: migrating table %q from v%d to v%d: %w", name, existingVersion, version, err)
				}
			}
			if _, err := tx.Exec(`UPDATE `+registryTable+` SET prototype = ?, version = ? WHERE name = ?`, prototype, version, name); err != nil {
				return nil, err
			}
		case version < existingVersion:
			return nil, gatewayerr.InvalidParams(fmt.Sprintf("store: table %q: store holds newer schema v%d than requested v%d", name, existingVersion, version))
		case prototype != existingPrototype:
			s.logger.Warn("store: registered table prototype differs from recorded prototype without a version bump", "table", name, "version", version)
		}

		return nil, tx.Commit()
	})
	return err
}

// TableVersion returns the currently registered version of table name, or
// ok=false if it was never registered.
func (s *Store) TableVersion(name string) (version int, ok bool, err error) {
	res, err := s.worker.submit(func(db *sql.DB) (any, error) {
		var v int
		err := db.QueryRow(`SELECT version FROM `+registryTable+` WHERE name = ?`, name).Scan(&v)
		if err == sql.ErrNoRows {
			return -1, nil
		}
		return v, err
	})
	if err != nil {
		return 0, false, err
	}
	v := res.(int)
	if v < 0 {
		return 0, false, nil
	}
	return v, true, nil
}
