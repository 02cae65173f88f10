package storage

import (
	"context"
	"testing"

	"walletchat/models"
)

func TestAnchorBatchesLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"batch-1", "batch-2"} {
		err := store.Anchor(ctx, models.Batch{
			BatchID:      id,
			MerkleRoot:   "root-" + id,
			MessageCount: 2,
			Timestamp:    int64(1000 + i),
			Sender:       "0xabc",
			MessageIDs:   []string{"m1", "m2"},
		})
		if err != nil {
			t.Fatalf("Anchor %s failed: %v", id, err)
		}
	}
	if err := store.Anchor(ctx, models.Batch{BatchID: "batch-1", MerkleRoot: "other"}); err != nil {
		t.Fatalf("duplicate Anchor should be ignored: %v", err)
	}

	pending, err := store.PendingBatches(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBatches failed: %v", err)
	}
	if len(pending) != 2 || pending[0].BatchID != "batch-1" || pending[0].MerkleRoot != "root-batch-1" {
		t.Fatalf("unexpected pending batches: %+v", pending)
	}

	if err := store.MarkAnchored(ctx, "batch-1"); err != nil {
		t.Fatalf("MarkAnchored failed: %v", err)
	}
	pending, err = store.PendingBatches(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBatches failed: %v", err)
	}
	if len(pending) != 1 || pending[0].BatchID != "batch-2" {
		t.Fatalf("expected only batch-2 pending, got %+v", pending)
	}
	if err := store.MarkAnchored(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
