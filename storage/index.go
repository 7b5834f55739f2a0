package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"relaybox/models"
)

// Index exposes the mailbox_entries table as a hierarchical key-value store.
// Keys look like inbox/{recipientID}/{messageID}.
type Index struct {
	store *Store
}

// Index returns the mailbox index view over the store.
func (s *Store) Index() *Index {
	return &Index{store: s}
}

// Put writes or replaces the value stored at key.
func (i *Index) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("index key is required")
	}
	if value == nil {
		value = []byte{}
	}

	_, err := i.store.db.ExecContext(ctx,
		`INSERT INTO mailbox_entries (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put index entry %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored at key.
func (i *Index) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := i.store.db.QueryRowContext(ctx,
		`SELECT value FROM mailbox_entries WHERE key = ?`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("index entry %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get index entry %q: %w", key, err)
	}
	return value, nil
}

// List returns every entry whose key starts with prefix, ordered by key.
// The result set is fully read before returning, so callers iterate a
// snapshot that concurrent writers cannot disturb.
func (i *Index) List(ctx context.Context, prefix string) ([]models.IndexEntry, error) {
	rows, err := i.store.db.QueryContext(ctx,
		`SELECT key, value
		FROM mailbox_entries
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key ASC`,
		prefix,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list index prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	entries := make([]models.IndexEntry, 0)
	for rows.Next() {
		var entry models.IndexEntry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index rows: %w", err)
	}

	return entries, nil
}

// Delete removes the entry at key.
func (i *Index) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("index key is required")
	}
	return i.store.execAffectingOne(ctx, fmt.Sprintf("delete index entry %q", key),
		`DELETE FROM mailbox_entries WHERE key = ?`,
		key,
	)
}

// Count returns how many entries share prefix.
func (i *Index) Count(ctx context.Context, prefix string) (int, error) {
	var count int
	if err := i.store.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM mailbox_entries WHERE substr(key, 1, length(?)) = ?`,
		prefix,
		prefix,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count index prefix %q: %w", prefix, err)
	}
	return count, nil
}
