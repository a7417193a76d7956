package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.WriteRequest(context.Background(), RequestRecord{
		Seq: 1, Handle: 4294967297, RequestID: 1, FunctionName: "ping", ParamsJSON: "{}",
	}))
	require.NoError(t, s.Close())

	// Reopening keeps the journal and re-applies the schema harmlessly.
	for i := 0; i < 3; i++ {
		s, err = Open(path)
		require.NoError(t, err, "open #%d", i)
		last, err := s.LastSeq(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), last)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.WriteEvent(ctx, testEvent(3, 4294967297, 1, true, "delivered")))

	// The single pooled connection keeps the same database across calls.
	events, err := s.ReadEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, s.verifyPragma("journal_mode", "memory"))
	require.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/journal.db")
	require.Error(t, err)
}

func TestClose(t *testing.T) {
	assert.NoError(t, (&Store{}).Close(), "zero Store closes cleanly")

	s := createTestStore(t)
	require.NoError(t, s.Close())
	_ = s.Close() // second close must not panic
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	for _, p := range pragmas {
		t.Run(p.name, func(t *testing.T) {
			assert.NoError(t, s.verifyPragma(p.name, p.want))
		})
	}
}

func TestSchema(t *testing.T) {
	s := createTestStore(t)

	tables := map[string]struct {
		columns []string
		index   string
	}{
		"requests":     {[]string{"seq", "handle", "request_id", "function_name", "params_json"}, "idx_requests_handle"},
		"events":       {[]string{"seq", "handle", "request_id", "response_type", "params_json", "finished", "disposition"}, "idx_events_handle"},
		"blobs":        {[]string{"cid", "size", "data"}, ""},
		"blob_handles": {[]string{"handle", "cid"}, "idx_blob_handles_cid"},
	}

	for table, want := range tables {
		t.Run(table, func(t *testing.T) {
			assert.ElementsMatch(t, want.columns, tableColumns(t, s.db, table))
			if want.index != "" {
				assert.Contains(t, tableIndexes(t, s.db, table), want.index)
			}
		})
	}
}

func TestSchema_Constraints(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO events (seq, handle, request_id, response_type, params_json, finished, disposition)
		VALUES (1, 1, 1, 0, '{}', 2, 'delivered')
	`)
	assert.Error(t, err, "finished must be 0 or 1")

	_, err = s.db.Exec(`INSERT INTO blob_handles (handle, cid) VALUES ('h1', 'missing')`)
	assert.Error(t, err, "handles must reference a stored payload")
}

func TestMigrate_SetsVersion(t *testing.T) {
	s := createTestStore(t)
	assert.Equal(t, currentSchemaVersion, userVersion(t, s.db))
}

func TestMigrate_UpgradeFromV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	// A v1 database: tables present, cid index missing.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec("DROP INDEX idx_blob_handles_cid")
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, currentSchemaVersion, userVersion(t, s.db))
	assert.Contains(t, tableIndexes(t, s.db, "blob_handles"), "idx_blob_handles_cid")
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&v))
	return v
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	return queryStrings(t, db, "SELECT name FROM pragma_table_info(?)", table)
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	return queryStrings(t, db, "SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
}

func queryStrings(t *testing.T, db *sql.DB, query string, args ...any) []string {
	t.Helper()
	rows, err := db.Query(query, args...)
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}
