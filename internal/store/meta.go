package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"
)

// PutMetaBytes stores an opaque blob under key. The value column is
// TEXT on both dialects, so bytes are base64-encoded at this boundary.
func (s *Store) PutMetaBytes(ctx context.Context, key string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)
	if _, err := s.writeDB.ExecContext(ctx, s.rebind(
		`INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`),
		key, encoded, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: failed to put meta %q: %w", key, err)
	}
	return nil
}

// GetMetaBytes returns the blob stored under key. ok is false when the
// key has never been written.
func (s *Store) GetMetaBytes(ctx context.Context, key string) ([]byte, bool, error) {
	var encoded string
	err := s.readDB.QueryRowContext(ctx, s.rebind(
		`SELECT value FROM meta WHERE key = ?`),
		key,
	).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: failed to get meta %q: %w", key, err)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("store: corrupt meta %q: %w", key, err)
	}
	return decoded, true, nil
}
