package store

import (
	"context"
	"fmt"
	"time"
)

// KVEntry is one row of the scoped key-value store.
type KVEntry struct {
	UserID    string    `db:"user_id"`
	Namespace string    `db:"namespace"`
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// KVSet writes a value scoped by (user, namespace).
func (s *Store) KVSet(ctx context.Context, userID, namespace, key, value string) error {
	if userID == "" || namespace == "" || key == "" {
		return fmt.Errorf("kv set: user, namespace and key are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (user_id, namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		userID, namespace, key, value, s.Now())
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet reads a value; ErrNotFound when the key is absent.
func (s *Store) KVGet(ctx context.Context, userID, namespace, key string) (string, error) {
	var value string
	err := getOne(ctx, s, &value,
		`SELECT value FROM kv WHERE user_id = ? AND namespace = ? AND key = ?`,
		userID, namespace, key)
	if err != nil {
		return "", err
	}
	return value, nil
}

// KVList returns all entries in a namespace sorted by key.
func (s *Store) KVList(ctx context.Context, userID, namespace string) ([]KVEntry, error) {
	var entries []KVEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT user_id, namespace, key, value, updated_at
		FROM kv WHERE user_id = ? AND namespace = ?
		ORDER BY key`,
		userID, namespace)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	return entries, nil
}

// KVDelete removes a key; ErrNotFound when it was absent.
func (s *Store) KVDelete(ctx context.Context, userID, namespace, key string) error {
	rows, err := s.execRows(ctx,
		`DELETE FROM kv WHERE user_id = ? AND namespace = ? AND key = ?`,
		userID, namespace, key)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
