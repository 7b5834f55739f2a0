package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaVersion(t *testing.T, store *Store) int {
	t.Helper()

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	return version
}

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	assert.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file not created")
	assert.Equal(t, len(migrations), schemaVersion(t, store))

	var journalMode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	expectedTables := []string{
		"peers",
		"mailbox_entries",
		"seen_message_ids",
		"message_states",
		"delivery_errors",
	}
	for _, table := range expectedTables {
		var count int
		require.NoError(t, store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count))
		assert.Equal(t, 1, count, "expected table %q to exist", table)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dataDir := t.TempDir()
	first, _, err := Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, _, err := Open(dataDir)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, len(migrations), schemaVersion(t, second))
}

func TestMaintainPrunesExpiredRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * DefaultSeenIDRetention).UnixMilli()
	for id, at := range map[string]int64{"old-id": old, "fresh-id": time.Now().UnixMilli()} {
		_, err := store.ClaimSeenID(ctx, id, at)
		require.NoError(t, err)
		require.NoError(t, store.CommitSeenID(ctx, id))
	}
	require.NoError(t, store.SaveMessageState(ctx, MessageState{MessageID: "done", State: "DELIVERED", UpdatedAt: old}))

	store.maintain(ctx)

	seen, err := store.HasSeenID(ctx, "old-id")
	require.NoError(t, err)
	assert.False(t, seen, "expected old id pruned")
	seen, err = store.HasSeenID(ctx, "fresh-id")
	require.NoError(t, err)
	assert.True(t, seen, "expected fresh id kept")

	_, err = store.GetMessageState(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
}
