package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
)

// splitKey parses a key that may be a single identifier or a dotted path
// ("a.b.c"), per spec §4.1.
func splitKey(key string) []string {
	return strings.Split(key, ".")
}

// InsertItem stores value at key within namespace ns. With a multi-segment
// path the first segment selects the record and the rest traverse into the
// decoded container, auto-creating intermediate maps (spec §4.1, §8
// scenario 5).
func (s *Store) InsertItem(ns, key string, value Value) error {
	return s.mutateRecord(ns, key, false, func(record Value, segments []string) (Value, error) {
		return setNested(record, segments, value)
	})
}

// UpdateItem is semantically identical to InsertItem: both create or
// overwrite the path (moonraker's database component does not distinguish
// insert from update at the SQL layer either — both upsert).
func (s *Store) UpdateItem(ns, key string, value Value) error {
	return s.InsertItem(ns, key, value)
}

// GetItem returns the value at key. If the key (or any segment on the
// path) is absent, it returns gatewayerr.InvalidParams unless a default
// was supplied via GetItemOrDefault.
func (s *Store) GetItem(ns, key string) (Value, error) {
	v, ok, err := s.getItem(ns, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, gatewayerr.InvalidParams(fmt.Sprintf("store: key %q not found in namespace %q", key, ns))
	}
	return v, nil
}

// GetItemOrDefault returns def instead of an error when the key is absent,
// per original_source/moonraker/components/database.py's get_item default
// sentinel semantics (SPEC_FULL.md supplement).
func (s *Store) GetItemOrDefault(ns, key string, def Value) (Value, error) {
	v, ok, err := s.getItem(ns, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

func (s *Store) getItem(ns, key string) (Value, bool, error) {
	if err := s.checkReadable(ns); err != nil {
		return nil, false, err
	}
	segments := splitKey(key)
	record, ok, err := s.loadRecord(ns, segments[0])
	if err != nil || !ok {
		return nil, false, err
	}
	return getNested(record, segments[1:])
}

// DeleteItem removes the leaf named by key. Deleting a leaf of an
// otherwise non-empty record re-stores the record; deleting the last leaf
// removes the record entirely (spec §4.1). It returns the deleted value
// and whether anything was deleted.
func (s *Store) DeleteItem(ns, key string) (Value, bool, error) {
	if err := s.checkWritable(ns, false); err != nil {
		return nil, false, err
	}
	segments := splitKey(key)
	record, ok, err := s.loadRecord(ns, segments[0])
	if err != nil || !ok {
		return nil, false, nil
	}

	deleted, newRecord, removed, err := deleteNested(record, segments[1:])
	if err != nil {
		return nil, false, err
	}
	if !removed {
		return nil, false, nil
	}

	if len(segments) == 1 || isEmptyContainer(newRecord) {
		if err := s.deleteRecord(ns, segments[0]); err != nil {
			return nil, false, err
		}
	} else {
		if err := s.storeRecord(ns, segments[0], newRecord); err != nil {
			return nil, false, err
		}
	}
	return deleted, true, nil
}

// mutateRecord loads the top-level record for segments[0], applies mutate,
// and stores the result back, all within a single statement pair (no
// explicit transaction needed for a single-row read+write since the worker
// serializes access).
func (s *Store) mutateRecord(ns, key string, debugCaller bool, mutate func(record Value, segments []string) (Value, error)) error {
	if err := s.checkWritable(ns, debugCaller); err != nil {
		return err
	}
	segments := splitKey(key)
	record, _, err := s.loadRecord(ns, segments[0])
	if err != nil {
		return err
	}
	newRecord, err := mutate(record, segments[1:])
	if err != nil {
		return err
	}
	return s.storeRecord(ns, segments[0], newRecord)
}

func (s *Store) loadRecord(ns, topKey string) (Value, bool, error) {
	res, err := s.worker.submit(func(db *sql.DB) (any, error) {
		var raw []byte
		err := db.QueryRow(`SELECT value FROM `+namespaceTable+` WHERE namespace = ? AND key = ?`, ns, topKey).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return raw, err
	})
	if err != nil {
		return nil, false, gatewayerr.DecodeError("store: loading record", err)
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

func (s *Store) storeRecord(ns, topKey string, value Value) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = s.worker.submit(func(db *sql.DB) (any, error) {
		_, err := db.Exec(
			`INSERT INTO `+namespaceTable+` (namespace, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
			ns, topKey, encoded)
		return nil, err
	})
	return err
}

func (s *Store) deleteRecord(ns, topKey string) error {
	_, err := s.worker.submit(func(db *sql.DB) (any, error) {
		_, err := db.Exec(`DELETE FROM `+namespaceTable+` WHERE namespace = ? AND key = ?`, ns, topKey)
		return nil, err
	})
	return err
}

// setNested walks segments into record, auto-creating intermediate maps,
// and sets value at the final segment. Inserting into a non-mapping at a
// nested segment fails with InvalidNesting (spec §4.1).
func setNested(record Value, segments []string, value Value) (Value, error) {
	if len(segments) == 0 {
		return value, nil
	}
	var m map[string]any
	switch t := record.(type) {
	case nil:
		m = make(map[string]any)
	case map[string]any:
		m = t
	default:
		return nil, gatewayerr.InvalidNesting(fmt.Sprintf("store: cannot nest into a value of type %T", record))
	}

	head, rest := segments[0], segments[1:]
	if len(rest) == 0 {
		m[head] = value
		return m, nil
	}
	child, err := setNested(m[head], rest, value)
	if err != nil {
		return nil, err
	}
	m[head] = child
	return m, nil
}

// getNested walks segments into record and returns the value found.
func getNested(record Value, segments []string) (Value, bool, error) {
	if len(segments) == 0 {
		return record, true, nil
	}
	m, ok := record.(map[string]any)
	if !ok {
		return nil, false, nil
	}
	head, rest := segments[0], segments[1:]
	child, ok := m[head]
	if !ok {
		return nil, false, nil
	}
	return getNested(child, rest)
}

// deleteNested removes the leaf named by segments from record, returning
// the deleted value, the (possibly mutated) record, and whether a leaf was
// actually removed.
func deleteNested(record Value, segments []string) (deleted Value, newRecord Value, removed bool, err error) {
	if len(segments) == 0 {
		return record, nil, true, nil
	}
	m, ok := record.(map[string]any)
	if !ok {
		return nil, record, false, nil
	}
	head, rest := segments[0], segments[1:]
	child, present := m[head]
	if !present {
		return nil, record, false, nil
	}
	if len(rest) == 0 {
		deleted = child
		delete(m, head)
		return deleted, m, true, nil
	}
	var childNew Value
	deleted, childNew, removed, err = deleteNested(child, rest)
	if err != nil || !removed {
		return deleted, record, removed, err
	}
	if isEmptyContainer(childNew) {
		delete(m, head)
	} else {
		m[head] = childNew
	}
	return deleted, m, true, nil
}

func isEmptyContainer(v Value) bool {
	switch t := v.(type) {
	case map[string]any:
		return len(t) == 0
	case nil:
		return true
	default:
		return false
	}
}
