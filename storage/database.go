package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "relaybox.db"
	// DefaultMaintenanceInterval controls WAL truncation and retention pruning.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultSeenIDRetention is how long delivered message ids are remembered.
	DefaultSeenIDRetention = 30 * 24 * time.Hour
	// DefaultMessageStateRetention is how long terminal lifecycle rows are kept.
	DefaultMessageStateRetention = 7 * 24 * time.Hour
	busyTimeoutMillis            = 5000
	// DefaultDeliveryErrorRetention controls automatic delivery error pruning.
	DefaultDeliveryErrorRetention = 90 * 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// migrations run in order; PRAGMA user_version records how many have applied.
var migrations = []migration{
	{"peers", `
CREATE TABLE IF NOT EXISTS peers (
  peer_id             TEXT PRIMARY KEY,
  display_name        TEXT NOT NULL DEFAULT '',
  public_key          BLOB,
  status              TEXT NOT NULL CHECK(status IN ('online','offline')) DEFAULT 'offline',
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  address             TEXT
);
`},
	{"mailbox entries", `
CREATE TABLE IF NOT EXISTS mailbox_entries (
  key        TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
`},
	{"seen message ids", `
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL,
  delivered   INTEGER NOT NULL DEFAULT 0
);
`},
	{"seen ids by time", `
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at
ON seen_message_ids (received_at);
`},
	{"message states", `
CREATE TABLE IF NOT EXISTS message_states (
  message_id   TEXT PRIMARY KEY,
  sender_id    TEXT NOT NULL DEFAULT '',
  recipient_id TEXT NOT NULL DEFAULT '',
  state        TEXT NOT NULL CHECK(state IN ('CREATED','SENDING','DELIVERED','STORED_OFFLINE','DELIVERED_OFFLINE','FAILED')),
  updated_at   INTEGER NOT NULL
);
`},
	{"message states by state", `
CREATE INDEX IF NOT EXISTS idx_message_states_state_time
ON message_states (state, updated_at);
`},
	{"delivery errors", `
CREATE TABLE IF NOT EXISTS delivery_errors (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id   TEXT NOT NULL,
  mailbox_key  TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  stage        TEXT NOT NULL,
  content_hash TEXT NOT NULL DEFAULT '',
  reason       TEXT NOT NULL,
  timestamp    INTEGER NOT NULL
);
`},
	{"delivery errors by time", `
CREATE INDEX IF NOT EXISTS idx_delivery_errors_time
ON delivery_errors (timestamp DESC, id DESC);
`},
	{"delivery errors by recipient", `
CREATE INDEX IF NOT EXISTS idx_delivery_errors_recipient
ON delivery_errors (recipient_id, timestamp DESC, id DESC);
`},
}

// Store owns the SQLite connection behind the directory, the mailbox index
// and the bookkeeping tables.
type Store struct {
	db     *sql.DB
	logger logrus.FieldLogger

	maintenanceInterval    time.Duration
	seenIDRetention        time.Duration
	messageStateRetention  time.Duration
	deliveryErrorRetention time.Duration

	stop      chan struct{}
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) the database under dataDir and returns its path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	path := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(path)
	if err != nil {
		return nil, "", err
	}
	return store, path, nil
}

// OpenPath opens SQLite at an explicit path, switches it to WAL and brings
// the schema up to date. Several processes may share one file.
func OpenPath(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d", filepath.ToSlash(path), busyTimeoutMillis)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		logger:                 logrus.StandardLogger().WithField("component", "storage"),
		maintenanceInterval:    DefaultMaintenanceInterval,
		seenIDRetention:        DefaultSeenIDRetention,
		messageStateRetention:  DefaultMessageStateRetention,
		deliveryErrorRetention: DefaultDeliveryErrorRetention,
		stop:                   make(chan struct{}),
	}
	for _, step := range []func() error{store.enableWALMode, store.migrate, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store.workers.Add(1)
	go store.maintenanceLoop()
	return store, nil
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger logrus.FieldLogger) {
	if logger == nil {
		return
	}
	s.logger = logger.WithField("component", "storage")
}

// Close stops background maintenance and closes the connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.workers.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, m := range migrations[applied:] {
		version := applied + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", version, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
			return fmt.Errorf("set schema version %d: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	s.logger.WithField("schema_version", len(migrations)).Debug("schema migrated")
	return nil
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) maintenanceLoop() {
	defer s.workers.Done()
	if s.maintenanceInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.maintain(context.Background())
		case <-s.stop:
			return
		}
	}
}

// maintain truncates the WAL and prunes rows past their retention.
func (s *Store) maintain(ctx context.Context) {
	if err := s.checkpointWAL(); err != nil {
		s.logger.WithError(err).Warn("periodic WAL checkpoint failed")
	}

	now := time.Now()
	if s.seenIDRetention > 0 {
		if n, err := s.PruneSeenIDs(ctx, now.Add(-s.seenIDRetention).UnixMilli()); err != nil {
			s.logger.WithError(err).Warn("prune seen message ids failed")
		} else if n > 0 {
			s.logger.WithField("count", n).Debug("pruned seen message ids")
		}
	}
	if s.messageStateRetention > 0 {
		if n, err := s.PruneMessageStates(ctx, now.Add(-s.messageStateRetention).UnixMilli()); err != nil {
			s.logger.WithError(err).Warn("prune message states failed")
		} else if n > 0 {
			s.logger.WithField("count", n).Debug("pruned message states")
		}
	}
}

func (s *Store) execAffectingOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
