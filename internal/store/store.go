// Package store implements the embedded SQL persistence engine of spec
// §4.1/§6: a namespaced key/value API with nested-path access, a schema
// registry for auxiliary tables, and backup/restore/compact, all funneled
// through a single serializing worker goroutine.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
	"github.com/Arksine/moonraker-sub000/internal/lockfile"
)

const (
	namespaceTable    = "namespace_store"
	registryTable     = "table_registry"
	reservedDatabase  = "database"
	reservedMoonraker = "moonraker"

	keyUnsafeShutdown  = "unsafe_shutdown_count"
	keyInstanceID      = "instance_id"
	keyProtectedNSList = "protected_namespaces"
	keyForbiddenNSList = "forbidden_namespaces"
	keySchemaVersion   = "schema_version"
)

// CurrentSchemaVersion mirrors database.py's DATABASE_VERSION: a version
// stamped into the reserved "database" namespace so a binary can refuse to
// run against a store written by a newer one (SPEC_FULL.md supplement).
const CurrentSchemaVersion = 2

// Store is the embedded persistence engine. All exported methods are safe
// for concurrent use; every SQL statement is funneled through a single
// worker goroutine (spec §4.1/§5).
type Store struct {
	path     string
	db       *sql.DB
	worker   *worker
	logger   *slog.Logger
	instance string

	mu          sync.RWMutex
	protectedNS map[string]bool
	forbiddenNS map[string]bool
	restored    atomic.Bool // true once a restore has happened; disables further backup/compact until restart
	lock        *lockfile.Guard
}

// Open opens (creating if necessary) the embedded SQL store at path,
// acquires an exclusive process lock on it (internal/lockfile, adapted
// from the teacher's cross-platform flock helpers), ensures the reserved
// tables exist, and bumps the unsafe-shutdown counter per spec §4.1.
func Open(path string, instanceID string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	guard, err := lockfile.Acquire(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("store: acquiring lock on %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		guard.Release()
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single connection: the worker goroutine serializes all access anyway

	s := &Store{
		path:        path,
		db:          db,
		worker:      newWorker(db),
		logger:      logger,
		instance:    instanceID,
		protectedNS: map[string]bool{reservedDatabase: true},
		forbiddenNS: map[string]bool{},
	}
	s.lock = guard

	if err := s.bootstrap(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap() error {
	_, err := s.worker.submit(func(db *sql.DB) (any, error) {
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + namespaceTable + ` (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		)`); err != nil {
			return nil, err
		}
		_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + registryTable + ` (
			name TEXT PRIMARY KEY,
			prototype TEXT NOT NULL,
			version INTEGER NOT NULL
		)`)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("store: creating reserved tables: %w", err)
	}

	if err := s.loadProtectionSets(); err != nil {
		return err
	}
	if v, ok, err := s.getRaw(reservedDatabase, keySchemaVersion); err != nil {
		return err
	} else if ok {
		if stored, ok := v.(int64); ok && stored > CurrentSchemaVersion {
			return fmt.Errorf("store: database schema v%d is newer than supported v%d", stored, CurrentSchemaVersion)
		}
	}
	return s.bumpUnsafeShutdownCounter()
}

func (s *Store) loadProtectionSets() error {
	if v, ok, err := s.getRaw(reservedDatabase, keyProtectedNSList); err != nil {
		return err
	} else if ok {
		if list, ok := v.([]any); ok {
			s.mu.Lock()
			for _, ns := range list {
				if name, ok := ns.(string); ok {
					s.protectedNS[name] = true
				}
			}
			s.mu.Unlock()
		}
	}
	if v, ok, err := s.getRaw(reservedDatabase, keyForbiddenNSList); err != nil {
		return err
	} else if ok {
		if list, ok := v.([]any); ok {
			s.mu.Lock()
			for _, ns := range list {
				if name, ok := ns.(string); ok {
					s.forbiddenNS[name] = true
				}
			}
			s.mu.Unlock()
		}
	}
	return nil
}

// bumpUnsafeShutdownCounter implements spec §4.1's unsafe-shutdown counter:
// increment on startup, write the pre-increment value back on graceful
// Close (unless a restore occurred); a mismatched stored instance id is
// logged but not fatal.
func (s *Store) bumpUnsafeShutdownCounter() error {
	var prevCount int64
	if v, ok, err := s.getRaw(reservedDatabase, keyUnsafeShutdown); err != nil {
		return err
	} else if ok {
		if iv, ok := v.(int64); ok {
			prevCount = iv
		}
	}

	if v, ok, err := s.getRaw(reservedDatabase, keyInstanceID); err != nil {
		return err
	} else if ok {
		if prevInstance, ok := v.(string); ok && prevInstance != s.instance && s.instance != "" {
			s.logger.Warn("store: instance id changed since last run", "previous", prevInstance, "current", s.instance)
		}
	}

	if err := s.putRaw(reservedDatabase, keyUnsafeShutdown, prevCount+1); err != nil {
		return err
	}
	if s.instance != "" {
		if err := s.putRaw(reservedDatabase, keyInstanceID, s.instance); err != nil {
			return err
		}
	}
	return s.putRaw(reservedDatabase, keySchemaVersion, int64(CurrentSchemaVersion))
}

// Close writes the pre-increment unsafe-shutdown value back (a "clean"
// shutdown marker) provided no restore occurred this run, then releases
// the worker and the file lock.
func (s *Store) Close() error {
	if !s.restored.Load() {
		if v, ok, err := s.getRaw(reservedDatabase, keyUnsafeShutdown); err == nil && ok {
			if iv, ok := v.(int64); ok && iv > 0 {
				_ = s.putRaw(reservedDatabase, keyUnsafeShutdown, iv-1)
			}
		}
	}
	s.worker.close()
	err := s.db.Close()
	if s.lock != nil {
		s.lock.Release()
	}
	return err
}

// classify reports whether ns is protected (read-only over the public API)
// or forbidden (no API access at all), per spec §4.1.
func (s *Store) classify(ns string) (protected bool, forbidden bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protectedNS[ns], s.forbiddenNS[ns]
}

// RegisterProtectedNamespace marks ns as read-only over the public API,
// writable only via the debug surface, and persists the updated set.
func (s *Store) RegisterProtectedNamespace(ns string) error {
	s.mu.Lock()
	s.protectedNS[ns] = true
	list := make([]any, 0, len(s.protectedNS))
	for name := range s.protectedNS {
		list = append(list, name)
	}
	s.mu.Unlock()
	return s.putRaw(reservedDatabase, keyProtectedNSList, list)
}

// RegisterForbiddenNamespace marks ns as inaccessible to any API caller,
// including debug, and persists the updated set.
func (s *Store) RegisterForbiddenNamespace(ns string) error {
	s.mu.Lock()
	s.forbiddenNS[ns] = true
	list := make([]any, 0, len(s.forbiddenNS))
	for name := range s.forbiddenNS {
		list = append(list, name)
	}
	s.mu.Unlock()
	return s.putRaw(reservedDatabase, keyForbiddenNSList, list)
}

func (s *Store) checkWritable(ns string, debugCaller bool) error {
	protected, forbidden := s.classify(ns)
	if forbidden {
		return gatewayerr.Unauthorized(fmt.Sprintf("store: namespace %q is forbidden", ns))
	}
	if protected && !debugCaller {
		return gatewayerr.Unauthorized(fmt.Sprintf("store: namespace %q is read-only except via the debug surface", ns))
	}
	return nil
}

func (s *Store) checkReadable(ns string) error {
	_, forbidden := s.classify(ns)
	if forbidden {
		return gatewayerr.Unauthorized(fmt.Sprintf("store: namespace %q is forbidden", ns))
	}
	return nil
}

// putRaw/getRaw are internal helpers used by bootstrap/classification code
// that must bypass the public protected/forbidden checks.
func (s *Store) putRaw(ns, key string, v Value) error {
	encoded, err := encodeValue(v)
	if err != nil {
		return err
	}
	_, err = s.worker.submit(func(db *sql.DB) (any, error) {
		_, err := db.Exec(
			`INSERT INTO `+namespaceTable+` (namespace, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
			ns, key, encoded)
		return nil, err
	})
	return err
}

func (s *Store) getRaw(ns, key string) (Value, bool, error) {
	res, err := s.worker.submit(func(db *sql.DB) (any, error) {
		var raw []byte
		err := db.QueryRow(`SELECT value FROM `+namespaceTable+` WHERE namespace = ? AND key = ?`, ns, key).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return nil, false, err
	}
	if res == nil {
		return nil, false, nil
	}
	v, err := decodeValue(res.([]byte))
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
