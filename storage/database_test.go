package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func schemaVersion(t *testing.T, store *Store) int {
	t.Helper()
	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	return version
}

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
	if got := schemaVersion(t, store); got != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), got)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	for _, name := range []string{"offline_blobs", "seen_message_ids", "anchor_batches", "idx_offline_blobs_stored_at", "peer_keys", "thread_sequences"} {
		var count int
		if err := store.db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE name = ?`, name).Scan(&count); err != nil {
			t.Fatalf("look up %q: %v", name, err)
		}
		if count != 1 {
			t.Fatalf("expected schema object %q to exist", name)
		}
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dataDir := t.TempDir()
	first, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	second, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()
	if got := schemaVersion(t, second); got != len(migrations) {
		t.Fatalf("expected schema version %d after reopen, got %d", len(migrations), got)
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := store.db.Exec("PRAGMA user_version = 999;"); err != nil {
		t.Fatalf("bump user_version: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, _, err := Open(dataDir); err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("expected newer schema to be refused, got %v", err)
	}
}

func TestMaintenanceExpiresOldBlobs(t *testing.T) {
	store := newTestStoreWith(t, Options{
		MaintenanceInterval: 20 * time.Millisecond,
		BlobRetention:       time.Hour,
	})
	ctx := context.Background()

	oldID, err := store.Put(ctx, []byte("stale pointer"))
	if err != nil {
		t.Fatalf("Put old failed: %v", err)
	}
	freshID, err := store.Put(ctx, []byte("fresh pointer"))
	if err != nil {
		t.Fatalf("Put fresh failed: %v", err)
	}
	twoHoursAgo := time.Now().Add(-2 * time.Hour).UnixMilli()
	if _, err := store.db.Exec(`UPDATE offline_blobs SET stored_at = ? WHERE content_id = ?`, twoHoursAgo, oldID); err != nil {
		t.Fatalf("age blob: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Get(ctx, oldID); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("old blob was never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := store.Get(ctx, freshID); err != nil {
		t.Fatalf("fresh blob should survive maintenance: %v", err)
	}
}
