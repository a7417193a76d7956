package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/nbridge/internal/ir"
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(seq int64, h ir.ContextHandle, id ir.RequestID, finished bool, disposition string) EventRecord {
	return EventRecord{
		NativeEvent: ir.NativeEvent{
			Handle: h,
			ResponseEvent: ir.ResponseEvent{
				RequestID:    id,
				ParamsJSON:   `{"ok":true}`,
				ResponseType: ir.ResponseSuccess,
				Finished:     finished,
			},
			Seq: seq,
		},
		Disposition: disposition,
	}
}
