package trace

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// KVGet returns the value for key, "" when absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var v string
	err := s.reader.QueryRowContext(ctx, `SELECT value FROM pipeline_kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}
	return v, nil
}

// KVSet stores the value for key.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO pipeline_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// KVSetIfAbsent stores the value only when the key is new, reporting whether
// the write happened. Handlers use this as a cheap idempotency latch.
func (s *Store) KVSetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `
		INSERT OR IGNORE INTO pipeline_kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("kv set-if-absent %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// KVIncr atomically increments the integer at key and returns the new value.
// Worker loops use this to count delivery attempts across process restarts.
func (s *Store) KVIncr(ctx context.Context, key string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO pipeline_kv (key, value, updated_at) VALUES (?, '1', ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CAST(CAST(pipeline_kv.value AS INTEGER) + 1 AS TEXT),
			updated_at = excluded.updated_at`,
		key, now)
	if err != nil {
		return 0, fmt.Errorf("kv incr %q: %w", key, err)
	}
	v, err := s.KVGet(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("kv incr %q: non-integer value %q", key, v)
	}
	return n, nil
}

// KVDelete removes a key.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.writer.ExecContext(ctx, `DELETE FROM pipeline_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}
