package watermark

import (
	"context"

	"github.com/devblac/gov-watch/internal/storage"
)

// SQLiteStore uses the watermarks table of the shared store. Close leaves the store open.
type SQLiteStore struct {
	db *storage.Store
}

func NewSQLiteStore(db *storage.Store) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, network string) (uint64, bool, error) {
	return s.db.GetWatermark(ctx, network)
}

func (s *SQLiteStore) Set(ctx context.Context, network string, height uint64) error {
	return s.db.UpsertWatermark(ctx, network, height)
}

func (s *SQLiteStore) Delete(ctx context.Context, network string) error {
	return s.db.DeleteWatermark(ctx, network)
}

func (s *SQLiteStore) Close() error { return nil }
