package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for watermarks, the alert log, and dedupe keys.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS watermarks (
  network     TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS alerts (
  id            TEXT PRIMARY KEY,
  network       TEXT NOT NULL,
  height        INTEGER NOT NULL,
  block_hash    TEXT,
  module        TEXT NOT NULL,
  event         TEXT NOT NULL,
  payload_json  TEXT,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS alerts_network_height ON alerts (network, height);

CREATE TABLE IF NOT EXISTS dedupe (
  key         TEXT PRIMARY KEY,
  expires_at  TIMESTAMP NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertWatermark records the last fully processed height for a network.
func (s *Store) UpsertWatermark(ctx context.Context, network string, height uint64) error {
	if network == "" {
		return errors.New("network required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO watermarks (network, height, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(network) DO UPDATE SET
  height=excluded.height,
  updated_at=CURRENT_TIMESTAMP;
`, network, int64(height))
	if err != nil {
		return fmt.Errorf("upsert watermark: %w", err)
	}
	return nil
}

// GetWatermark retrieves the watermark for a network.
func (s *Store) GetWatermark(ctx context.Context, network string) (height uint64, ok bool, err error) {
	var h int64
	row := s.db.QueryRowContext(ctx, `
SELECT height FROM watermarks WHERE network = ?;
`, network)
	switch err = row.Scan(&h); err {
	case nil:
		if h < 0 {
			return 0, false, fmt.Errorf("get watermark: negative height %d", h)
		}
		return uint64(h), true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get watermark: %w", err)
	}
}

// DeleteWatermark forgets the watermark for a network.
func (s *Store) DeleteWatermark(ctx context.Context, network string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM watermarks WHERE network = ?;`, network); err != nil {
		return fmt.Errorf("delete watermark: %w", err)
	}
	return nil
}

// MarkDedupe sets or refreshes a dedupe key until expiresAt.
func (s *Store) MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error {
	if key == "" {
		return errors.New("key required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dedupe (key, expires_at)
VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET expires_at=excluded.expires_at;
`, key, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("mark dedupe: %w", err)
	}
	return nil
}

// IsDuplicate returns true if the key exists and is not expired; expired entries are pruned.
func (s *Store) IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("key required")
	}

	var expires time.Time
	err := s.db.QueryRowContext(ctx, `
SELECT expires_at FROM dedupe WHERE key = ?;
`, key).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dedupe: %w", err)
	}

	if expires.After(now.UTC()) {
		return true, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedupe WHERE key = ?;`, key); err != nil {
		return false, fmt.Errorf("prune dedupe: %w", err)
	}
	return false, nil
}

// Alert represents a logged alert record.
type Alert struct {
	ID          string
	Network     string
	Height      uint64
	BlockHash   string
	Module      string
	Event       string
	PayloadJSON string
	CreatedAt   time.Time
}

// InsertAlert stores an alert; the primary key rejects a second insert of the same id.
func (s *Store) InsertAlert(ctx context.Context, a Alert) error {
	if a.ID == "" || a.Network == "" {
		return errors.New("alert id and network required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alerts (id, network, height, block_hash, module, event, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, a.ID, a.Network, int64(a.Height), a.BlockHash, a.Module, a.Event, a.PayloadJSON, nullTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns logged alerts oldest first, optionally for one network.
func (s *Store) ListAlerts(ctx context.Context, network string) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, network, height, COALESCE(block_hash, ''), module, event, COALESCE(payload_json, ''), created_at
FROM alerts
WHERE ? = '' OR network = ?
ORDER BY network, height, created_at;
`, network, network)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a Alert
			h int64
		)
		if err := rows.Scan(&a.ID, &a.Network, &h, &a.BlockHash, &a.Module, &a.Event, &a.PayloadJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Height = uint64(h)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
