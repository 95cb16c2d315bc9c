package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moonraker.db")
	s, err := Open(path, "test-instance", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGetItemTopLevel(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("fluidd", "theme", "dark"))

	v, err := s.GetItem("fluidd", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)
}

// TestInsertAndGetItemNestedPath is spec §8 scenario 5: InsertItem("ns",
// "a.b.c", 7) followed by GetItem("ns", "a") yields {"b": {"c": 7}}.
func TestInsertAndGetItemNestedPath(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("ns", "a.b.c", int64(7)))

	v, err := s.GetItem("ns", "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": map[string]any{"c": int64(7)}}, v)

	leaf, err := s.GetItem("ns", "a.b.c")
	require.NoError(t, err)
	assert.Equal(t, int64(7), leaf)
}

func TestInsertNestedThroughNonMappingFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("ns", "a", "leaf"))

	err := s.InsertItem("ns", "a.b", "x")
	require.Error(t, err)
}

func TestGetItemMissingKeyIsInvalidParams(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem("ns", "missing")
	require.Error(t, err)
}

func TestGetItemOrDefault(t *testing.T) {
	s := newTestStore(t)
	v, err := s.GetItemOrDefault("ns", "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestDeleteItemLeafCollapsesRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("ns", "a.b", int64(1)))

	deleted, ok, err := s.DeleteItem("ns", "a.b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetItem("ns", "a")
	assert.Error(t, err, "record should have collapsed once its only leaf was removed")
}

func TestDeleteItemKeepsSiblingLeaves(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("ns", "a.x", int64(1)))
	require.NoError(t, s.InsertItem("ns", "a.y", int64(2)))

	_, ok, err := s.DeleteItem("ns", "a.x")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.GetItem("ns", "a.y")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestRoundTripPreservesValueTypes(t *testing.T) {
	s := newTestStore(t)
	cases := map[string]Value{
		"int":    int64(42),
		"float":  3.5,
		"bool":   true,
		"string": "hi",
		"list":   []any{int64(1), "two"},
		"dict":   map[string]any{"k": "v"},
		"null":   nil,
	}
	for key, v := range cases {
		require.NoError(t, s.InsertItem("types", key, v))
		got, err := s.GetItem("types", key)
		require.NoError(t, err)
		assert.Equal(t, v, got, "round trip for %s", key)
	}
}

func TestProtectedNamespaceRejectsPublicWrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterProtectedNamespace("moonraker"))

	err := s.InsertItem("moonraker", "k", "v")
	require.Error(t, err)
}

func TestForbiddenNamespaceRejectsReadsAndWrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterForbiddenNamespace("secret"))

	assert.Error(t, s.InsertItem("secret", "k", "v"))
	_, err := s.GetItem("secret", "k")
	assert.Error(t, err)
}

func TestBatchInsertGetDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBatch([]BatchOp{
		{Namespace: "ns", Key: "a", Value: int64(1)},
		{Namespace: "ns", Key: "b", Value: int64(2)},
	}))

	vals, err := s.GetBatch([]BatchOp{{Namespace: "ns", Key: "a"}, {Namespace: "ns", Key: "b"}, {Namespace: "ns", Key: "missing"}})
	require.NoError(t, err)
	assert.Equal(t, []Value{int64(1), int64(2), nil}, vals)

	deleted, err := s.DeleteBatch([]BatchOp{{Namespace: "ns", Key: "a"}})
	require.NoError(t, err)
	assert.Equal(t, []Value{int64(1)}, deleted)

	_, err = s.GetItem("ns", "a")
	assert.Error(t, err)
}

func TestMoveBatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("src", "a", "val"))

	require.NoError(t, s.MoveBatch([]MoveOp{{SourceNamespace: "src", SourceKey: "a", DestNamespace: "dst", DestKey: "b"}}))

	_, err := s.GetItem("src", "a")
	assert.Error(t, err)
	v, err := s.GetItem("dst", "b")
	require.NoError(t, err)
	assert.Equal(t, "val", v)
}

func TestItemsKeysValuesLength(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("ns", "a", int64(1)))
	require.NoError(t, s.InsertItem("ns", "b", int64(2)))

	n, err := s.Length("ns")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := s.Keys("ns")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	items, err := s.Items("ns")
	require.NoError(t, err)
	assert.Equal(t, map[string]Value{"a": int64(1), "b": int64(2)}, items)
}

func TestScanVisitsEveryRecordUntilStopped(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("ns", "a", int64(1)))
	require.NoError(t, s.InsertItem("ns", "b", int64(2)))
	require.NoError(t, s.InsertItem("ns", "c", int64(3)))

	var seen []string
	err := s.Scan("ns", func(key string, value Value) bool {
		seen = append(seen, key)
		return len(seen) < 2
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestRegisterTableCreatesAndMigrates(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterTable("widgets", `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`, 1, nil))

	migrated := false
	require.NoError(t, s.RegisterTable("widgets", `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT, color TEXT)`, 2, func(tx *sql.Tx, oldVersion int) error {
		migrated = true
		assert.Equal(t, 1, oldVersion)
		_, err := tx.Exec(`ALTER TABLE widgets ADD COLUMN color TEXT`)
		return err
	}))
	assert.True(t, migrated)

	v, ok, err := s.TableVersion("widgets")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestRegisterTableRejectsVersionDowngrade(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterTable("widgets", `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`, 3, nil))

	err := s.RegisterTable("widgets", `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`, 2, nil)
	assert.Error(t, err)
}

func TestRegisterTableRejectsNamePrototypeMismatch(t *testing.T) {
	s := newTestStore(t)
	err := s.RegisterTable("foo", `CREATE TABLE bar (id INTEGER PRIMARY KEY)`, 1, nil)
	require.Error(t, err)

	_, ok, err := s.TableVersion("foo")
	require.NoError(t, err)
	assert.False(t, ok, "a rejected registration must not create a registry row")
}

func TestBackupAndRestore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem("ns", "a", "original"))

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, s.Backup(backupPath))

	require.NoError(t, s.InsertItem("ns", "a", "changed"))

	require.NoError(t, s.Restore(backupPath))

	v, err := s.GetItem("ns", "a")
	require.NoError(t, err)
	assert.Equal(t, "original", v)

	assert.Error(t, s.Backup(filepath.Join(t.TempDir(), "again.db")), "backup must be refused after a restore until restart")
	assert.Error(t, s.Compact(), "compact must be refused after a restore until restart")
}

func TestRestoreRejectsFileWithoutNamespaceTable(t *testing.T) {
	s := newTestStore(t)
	bogus := filepath.Join(t.TempDir(), "bogus.db")
	plain, err := sql.Open("sqlite", bogus)
	require.NoError(t, err)
	_, err = plain.Exec(`CREATE TABLE unrelated (id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, plain.Close())

	err = s.Restore(bogus)
	assert.Error(t, err)
}

func TestUnsafeShutdownCounterClearsOnCleanClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moonraker.db")
	s1, err := Open(path, "inst", nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, "inst", nil)
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.getRaw(reservedDatabase, keyUnsafeShutdown)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), v, "counter should read back to 1 after a clean close followed by a fresh open")
}
