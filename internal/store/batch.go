package store

import (
	"database/sql"
	"fmt"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
)

// BatchOp is one entry of a batch request (spec §4.1 batch variants).
type BatchOp struct {
	Namespace string
	Key       string
	Value     Value // ignored for GetBatch/DeleteBatch
}

// MoveOp renames/moves a key, optionally across namespaces.
type MoveOp struct {
	SourceNamespace string
	SourceKey       string
	DestNamespace   string
	DestKey         string
}

// InsertBatch applies every op's InsertItem inside a single SQL
// transaction: either all writes land or none do (spec §4.1).
func (s *Store) InsertBatch(ops []BatchOp) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, op := range ops {
			if err := s.checkWritable(op.Namespace, false); err != nil {
				return err
			}
			if err := insertInTx(tx, op.Namespace, op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBatch reads every op's key and returns the values in the same order.
// A missing key yields a nil Value at that position (no error), so callers
// can distinguish "absent" from other failures. All reads run inside one
// SQL transaction.
func (s *Store) GetBatch(ops []BatchOp) ([]Value, error) {
	out := make([]Value, len(ops))
	err := s.withTx(func(tx *sql.Tx) error {
		for i, op := range ops {
			if err := s.checkReadable(op.Namespace); err != nil {
				return err
			}
			segments := splitKey(op.Key)
			var raw []byte
			err := tx.QueryRow(`SELECT value FROM `+namespaceTable+` WHERE namespace = ? AND key = ?`, op.Namespace, segments[0]).Scan(&raw)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return err
			}
			record, err := decodeValue(raw)
			if err != nil {
				return err
			}
			v, ok, err := getNested(record, segments[1:])
			if err != nil {
				return err
			}
			if ok {
				out[i] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBatch deletes every op's key within one transaction and returns the
// prior values in the same order (spec §4.1: "delete-batch returns prior
// values").
func (s *Store) DeleteBatch(ops []BatchOp) ([]Value, error) {
	out := make([]Value, len(ops))
	err := s.withTx(func(tx *sql.Tx) error {
		for i, op := range ops {
			if err := s.checkWritable(op.Namespace, false); err != nil {
				return err
			}
			v, err := deleteInTx(tx, op.Namespace, op.Key)
			if err != nil {
				return err
			}
			out[i] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MoveBatch applies every move within a single transaction.
func (s *Store) MoveBatch(ops []MoveOp) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, op := range ops {
			if err := s.checkReadable(op.SourceNamespace); err != nil {
				return err
			}
			if err := s.checkWritable(op.SourceNamespace, false); err != nil {
				return err
			}
			if err := s.checkWritable(op.DestNamespace, false); err != nil {
				return err
			}
			v, err := deleteInTx(tx, op.SourceNamespace, op.SourceKey)
			if err != nil {
				return err
			}
			if v == nil {
				continue
			}
			if err := insertInTx(tx, op.DestNamespace, op.DestKey, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// withTx runs fn within a single SQL transaction on the worker goroutine,
// committing on success and rolling back on any error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	_, err := s.worker.submit(func(db *sql.DB) (any, error) {
		tx, err := db.Begin()
		if err != nil {
			return nil, err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return nil, err
		}
		return nil, tx.Commit()
	})
	return err
}

func insertInTx(tx *sql.Tx, ns, key string, value Value) error {
	segments := splitKey(key)
	var raw []byte
	err := tx.QueryRow(`SELECT value FROM `+namespaceTable+` WHERE namespace = ? AND key = ?`, ns, segments[0]).Scan(&raw)
	var record Value
	if err == nil {
		record, err = decodeValue(raw)
		if err != nil {
			return err
		}
	} else if err != sql.ErrNoRows {
		return err
	}

	newRecord, err := setNested(record, segments[1:], value)
	if err != nil {
		return err
	}
	encoded, err := encodeValue(newRecord)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO `+namespaceTable+` (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		ns, segments[0], encoded)
	return err
}

func deleteInTx(tx *sql.Tx, ns, key string) (Value, error) {
	segments := splitKey(key)
	var raw []byte
	err := tx.QueryRow(`SELECT value FROM `+namespaceTable+` WHERE namespace = ? AND key = ?`, ns, segments[0]).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}

	deleted, newRecord, removed, err := deleteNested(record, segments[1:])
	if err != nil || !removed {
		return nil, err
	}

	if len(segments) == 1 || isEmptyContainer(newRecord) {
		if _, err := tx.Exec(`DELETE FROM `+namespaceTable+` WHERE namespace = ? AND key = ?`, ns, segments[0]); err != nil {
			return nil, err
		}
	} else {
		encoded, err := encodeValue(newRecord)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			`INSERT INTO `+namespaceTable+` (namespace, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
			ns, segments[0], encoded); err != nil {
			return nil, err
		}
	}
	return deleted, nil
}

// Length returns the number of top-level records in namespace ns.
func (s *Store) Length(ns string) (int, error) {
	if err := s.checkReadable(ns); err != nil {
		return 0, err
	}
	res, err := s.worker.submit(func(db *sql.DB) (any, error) {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM `+namespaceTable+` WHERE namespace = ?`, ns).Scan(&n)
		return n, err
	})
	if err != nil {
		return 0, gatewayerr.DecodeError(fmt.Sprintf("store: counting namespace %q", ns), err)
	}
	return res.(int), nil
}

// Keys returns every top-level key in namespace ns.
func (s *Store) Keys(ns string) ([]string, error) {
	items, err := s.Items(ns)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Values returns every top-level value in namespace ns.
func (s *Store) Values(ns string) ([]Value, error) {
	items, err := s.Items(ns)
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, len(items))
	for _, v := range items {
		values = append(values, v)
	}
	return values, nil
}

// Items returns the full namespace as a key -> decoded-record map. For
// very large namespaces prefer Scan, which streams rows instead of
// materializing all of them.
func (s *Store) Items(ns string) (map[string]Value, error) {
	if err := s.checkReadable(ns); err != nil {
		return nil, err
	}
	res, err := s.worker.submit(func(db *sql.DB) (any, error) {
		rows, err := db.Query(`SELECT key, value FROM `+namespaceTable+` WHERE namespace = ?`, ns)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make(map[string]Value)
		for rows.Next() {
			var key string
			var raw []byte
			if err := rows.Scan(&key, &raw); err != nil {
				return nil, err
			}
			v, err := decodeValue(raw)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, gatewayerr.DecodeError(fmt.Sprintf("store: scanning namespace %q", ns), err)
	}
	return res.(map[string]Value), nil
}

// ScanFunc is called once per top-level record during Scan; returning false
// stops the scan early.
type ScanFunc func(key string, value Value) bool

// Scan streams namespace ns's records to fn one row at a time instead of
// materializing the whole namespace, for namespaces too large for Items
// (the Python original always loads the full namespace into memory).
func (s *Store) Scan(ns string, fn ScanFunc) error {
	if err := s.checkReadable(ns); err != nil {
		return err
	}
	_, err := s.worker.submit(func(db *sql.DB) (any, error) {
		rows, err := db.Query(`SELECT key, value FROM `+namespaceTable+` WHERE namespace = ? ORDER BY key`, ns)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var raw []byte
			if err := rows.Scan(&key, &raw); err != nil {
				return nil, err
			}
			v, err := decodeValue(raw)
			if err != nil {
				return nil, err
			}
			if !fn(key, v) {
				break
			}
		}
		return nil, rows.Err()
	})
	return err
}
