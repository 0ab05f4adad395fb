package watermark

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/gov-watch/internal/config"
	"github.com/devblac/gov-watch/internal/storage"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	db, err := storage.Open(filepath.Join(t.TempDir(), "gov-watch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	badgerStore, err := NewBadgerStore(t.TempDir(), "gov-watch")
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]Store{
		"file":   fileStore,
		"sqlite": NewSQLiteStore(db),
		"badger": badgerStore,
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get(ctx, "polkadot")
			require.NoError(t, err)
			assert.False(t, ok, "fresh store has no watermark")

			require.NoError(t, store.Set(ctx, "polkadot", 509))
			h, ok, err := store.Get(ctx, "polkadot")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, uint64(509), h)

			require.NoError(t, store.Set(ctx, "polkadot", 519))
			require.NoError(t, store.Set(ctx, "kusama", 3))
			h, _, _ = store.Get(ctx, "polkadot")
			assert.Equal(t, uint64(519), h, "overwrite keeps the latest value")
			h, _, _ = store.Get(ctx, "kusama")
			assert.Equal(t, uint64(3), h, "networks are independent keys")

			require.NoError(t, store.Delete(ctx, "polkadot"))
			_, ok, err = store.Get(ctx, "polkadot")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Delete(ctx, "never-set"))
		})
	}
}

func TestFileStoreLayoutAndCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "westend", 1000))
	raw, err := os.ReadFile(filepath.Join(dir, "westend.lastblock"))
	require.NoError(t, err)
	assert.Equal(t, "1000", string(raw))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "westend.lastblock"), []byte("not-a-number"), 0o644))
	_, ok, err := store.Get(ctx, "westend")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StateConfig{Backend: "file", Path: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, config.StateConfig{Backend: "sqlite"}, nil)
	assert.Error(t, err, "sqlite backend without a database")

	_, err = Open(ctx, config.StateConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)
}
