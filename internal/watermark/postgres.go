package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS gov_watch_watermarks (
  network     TEXT PRIMARY KEY,
  height      BIGINT NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore shares watermarks between hosts through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, network string) (uint64, bool, error) {
	var h int64
	err := p.pool.QueryRow(ctx, `SELECT height FROM gov_watch_watermarks WHERE network = $1`, network).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get watermark: %w", err)
	}
	if h < 0 {
		return 0, false, fmt.Errorf("get watermark: negative height %d", h)
	}
	return uint64(h), true, nil
}

func (p *PostgresStore) Set(ctx context.Context, network string, height uint64) error {
	if network == "" {
		return errors.New("network required")
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO gov_watch_watermarks (network, height, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (network) DO UPDATE SET height = EXCLUDED.height, updated_at = now()`, network, int64(height))
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, network string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM gov_watch_watermarks WHERE network = $1`, network); err != nil {
		return fmt.Errorf("delete watermark: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
