//go:build sqlite

package gate

import (
	"path/filepath"
	"testing"
)

func TestSQLiteStore_Contract(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	testStoreContract(t, store)
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "sessions.db")
	for i := 0; i < 2; i++ {
		store, err := NewSQLiteStore(dsn)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		_ = store.Close()
	}
}
