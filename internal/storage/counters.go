package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IncrementCounter atomically checks and increments the counter under key.
//
// When the live count already meets limit it returns false and leaves the
// counter untouched. The expiry is set only when a new window starts, i.e. on
// the first increment after the key was missing or expired.
func (s *SQLite) IncrementCounter(ctx context.Context, key string, limit int, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	var expires string
	fresh := false
	err = tx.QueryRowContext(ctx,
		`SELECT count, expires_at FROM counters WHERE key = ?`, key,
	).Scan(&count, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fresh = true
	case err != nil:
		return false, fmt.Errorf("read counter: %w", err)
	case expires <= formatTime(s.now()):
		fresh = true
	}
	if fresh {
		count = 0
	}

	if count >= limit {
		return false, nil
	}

	if fresh {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO counters (key, count, expires_at) VALUES (?, 1, ?)
			 ON CONFLICT(key) DO UPDATE SET count = 1, expires_at = excluded.expires_at`,
			key, formatTime(expiresAt),
		)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE counters SET count = count + 1 WHERE key = ?`, key)
	}
	if err != nil {
		return false, fmt.Errorf("increment counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit counter: %w", err)
	}
	return true, nil
}

// CounterValue returns the live count under key, zero when missing or expired.
func (s *SQLite) CounterValue(ctx context.Context, key string) (int, error) {
	var count int
	var expires string
	err := s.db.QueryRowContext(ctx,
		`SELECT count, expires_at FROM counters WHERE key = ?`, key,
	).Scan(&count, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	if expires <= formatTime(s.now()) {
		return 0, nil
	}
	return count, nil
}
