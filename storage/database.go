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

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	// DefaultDBFileName is the SQLite filename under the node data dir.
	DefaultDBFileName = "walletchat.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and old
	// blobs are expired.
	DefaultMaintenanceInterval = 24 * time.Hour

	maintenanceTimeout = time.Minute
)

type migration struct {
	name string
	stmt string
}

// Schema versions are tracked in PRAGMA user_version; append only.
var migrations = []migration{
	{"offline blobs", `
CREATE TABLE IF NOT EXISTS offline_blobs (
  content_id  TEXT PRIMARY KEY,
  data        BLOB NOT NULL,
  size        INTEGER NOT NULL,
  stored_at   INTEGER NOT NULL
);`},
	{"seen message ids", `
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);`},
	{"seen ids by age", `
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at
ON seen_message_ids (received_at);`},
	{"anchor batches", `
CREATE TABLE IF NOT EXISTS anchor_batches (
  batch_id      TEXT PRIMARY KEY,
  merkle_root   TEXT NOT NULL,
  message_count INTEGER NOT NULL,
  sender        TEXT NOT NULL,
  timestamp     INTEGER NOT NULL,
  record        TEXT NOT NULL,
  anchored      INTEGER NOT NULL DEFAULT 0
);`},
	{"pending batches", `
CREATE INDEX IF NOT EXISTS idx_anchor_batches_pending
ON anchor_batches (anchored, timestamp);`},
	{"blobs by age", `
CREATE INDEX IF NOT EXISTS idx_offline_blobs_stored_at
ON offline_blobs (stored_at);`},
	{"peer keys", `
CREATE TABLE IF NOT EXISTS peer_keys (
  address            TEXT PRIMARY KEY,
  ed25519_public_key TEXT NOT NULL,
  key_fingerprint    TEXT NOT NULL,
  added_at           INTEGER NOT NULL,
  last_seen_at       INTEGER NOT NULL
);`},
	{"thread sequences", `
CREATE TABLE IF NOT EXISTS thread_sequences (
  sender        TEXT NOT NULL,
  thread_id     TEXT NOT NULL,
  last_sequence INTEGER NOT NULL,
  PRIMARY KEY (sender, thread_id)
);`},
}

// Options tunes a Store.
type Options struct {
	MaintenanceInterval time.Duration
	// BlobRetention expires offline blobs older than this during
	// maintenance. Zero keeps blobs until they are deleted.
	BlobRetention time.Duration
	Logger        zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	return o
}

// Store is the SQLite-backed offline store. Blobs are zstd-compressed and
// addressed by the blake3 hash of their uncompressed bytes.
type Store struct {
	db     *sql.DB
	opts   Options
	logger zerolog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the database under dataDir with default options.
func Open(dataDir string) (*Store, string, error) {
	return OpenDir(dataDir, Options{})
}

// OpenDir opens (or creates) the database under dataDir and returns its path.
func OpenDir(dataDir string, opts Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, migrates the schema and starts
// the maintenance loop.
func OpenPath(dbPath string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		_ = db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		db:      db,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "storage").Logger(),
		encoder: encoder,
		decoder: decoder,
		stop:    make(chan struct{}),
	}
	for _, step := range []func() error{s.enableWALMode, s.migrate, s.checkpointWAL} {
		if err := step(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	s.wg.Add(1)
	go s.maintenanceLoop()
	return s, nil
}

// Close stops maintenance and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.decoder.Close()
		_ = s.encoder.Close()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", version, len(migrations))
	}
	if version == len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, m := range migrations[version:] {
		next := version + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", next, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", next)); err != nil {
			return fmt.Errorf("set schema version %d: %w", next, err)
		}
		s.logger.Debug().Int("version", next).Str("migration", m.name).Msg("schema migrated")
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
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
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.maintain()
		case <-s.stop:
			return
		}
	}
}

// maintain expires old blobs and truncates the WAL. Failures are logged and
// retried on the next tick.
func (s *Store) maintain() {
	if s.opts.BlobRetention > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
		cutoff := time.Now().Add(-s.opts.BlobRetention).UnixMilli()
		expired, err := s.ExpireBlobs(ctx, cutoff)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("expire offline blobs")
		} else if expired > 0 {
			s.logger.Info().Int64("expired", expired).Msg("offline blobs expired")
		}
	}
	if err := s.checkpointWAL(); err != nil {
		s.logger.Warn().Err(err).Msg("wal checkpoint")
	}
}
