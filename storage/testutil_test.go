package storage

import (
	"context"
	"testing"
	"time"
)

// newTestStore opens a throwaway database whose maintenance loop never fires
// during a test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWith(t, Options{MaintenanceInterval: time.Hour})
}

func newTestStoreWith(t *testing.T, opts Options) *Store {
	t.Helper()

	store, _, err := OpenDir(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return store
}

func mustInsertSeen(t *testing.T, store *Store, messageID string, receivedAt int64) {
	t.Helper()
	if err := store.InsertSeenID(context.Background(), messageID, receivedAt); err != nil {
		t.Fatalf("InsertSeenID(%s) failed: %v", messageID, err)
	}
}

func mustHaveSeen(t *testing.T, store *Store, messageID string) bool {
	t.Helper()
	seen, err := store.HasSeenID(context.Background(), messageID)
	if err != nil {
		t.Fatalf("HasSeenID(%s) failed: %v", messageID, err)
	}
	return seen
}
