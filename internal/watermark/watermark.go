// Package watermark persists the last fully processed block height per network.
package watermark

import (
	"context"
	"errors"
	"fmt"

	"github.com/devblac/gov-watch/internal/config"
	"github.com/devblac/gov-watch/internal/storage"
)

// Store is keyed by network name. Get reports ok=false when nothing was ever stored.
type Store interface {
	Get(ctx context.Context, network string) (height uint64, ok bool, err error)
	Set(ctx context.Context, network string, height uint64) error
	Delete(ctx context.Context, network string) error
	Close() error
}

// Open builds the backend named in cfg. The sqlite backend shares db instead of opening its own handle.
func Open(ctx context.Context, cfg config.StateConfig, db *storage.Store) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "sqlite":
		if db == nil {
			return nil, errors.New("sqlite watermark backend needs global.db_path")
		}
		return NewSQLiteStore(db), nil
	case "badger":
		return NewBadgerStore(cfg.Path, cfg.Prefix)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}
