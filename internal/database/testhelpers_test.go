package database

import (
	"context"
	"path/filepath"
	"testing"

	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/seal"
)

// staticKeys hands out a fixed database key
type staticKeys struct {
	key []byte
	err error
}

func (s *staticKeys) DatabaseKey(context.Context) ([]byte, error) {
	return s.key, s.err
}

func newStaticKeys(t *testing.T) *staticKeys {
	t.Helper()
	key, err := seal.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return &staticKeys{key: key}
}

// newTestStore opens and migrates a file-backed store in a temp dir
func newTestStore(t *testing.T, driver string) *SQLiteStore {
	t.Helper()
	config := TestConfig()
	config.Driver = driver
	config.Path = filepath.Join(t.TempDir(), "trailkeep.db")
	config.JournalMode = "WAL"

	store := NewSQLiteStore(config, newStaticKeys(t), logging.Nop{})
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize(%s) failed: %v", driver, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var drivers = []string{DriverMattn, DriverModern}
