package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutValue stores value under key, replacing any prior entry. A positive ttl
// sets an absolute expiry; a non-positive ttl keeps the entry until deleted.
func (s *SQLite) PutValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires *string
	if ttl > 0 {
		v := formatTime(s.now().Add(ttl))
		expires = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires,
	)
	if err != nil {
		return fmt.Errorf("put value: %w", err)
	}
	return nil
}

// GetValue returns the value under key. Missing and expired entries report false.
func (s *SQLite) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get value: %w", err)
	}
	if expires.Valid && expires.String <= formatTime(s.now()) {
		return nil, false, nil
	}
	return value, true, nil
}

// DeleteValue removes key. Deleting a missing key is not an error.
func (s *SQLite) DeleteValue(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired key-value entries and counters.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("purge kv entries: %w", err)
	}
	kv, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM counters WHERE expires_at <= ?`, now)
	if err != nil {
		return kv, fmt.Errorf("purge counters: %w", err)
	}
	c, _ := res.RowsAffected()
	return kv + c, nil
}
