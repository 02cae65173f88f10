package storage

import (
	"context"
	"testing"
)

func TestNextSequenceContinuesAfterReopen(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	first, _, err := OpenDir(dataDir, Options{})
	if err != nil {
		t.Fatalf("OpenDir failed: %v", err)
	}
	for want := uint64(1); want <= 3; want++ {
		got, err := first.NextSequence(ctx, "0xalice", "t1")
		if err != nil {
			t.Fatalf("NextSequence failed: %v", err)
		}
		if got != want {
			t.Fatalf("expected sequence %d, got %d", want, got)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, _, err := OpenDir(dataDir, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	if got, err := second.NextSequence(ctx, "0xalice", "t1"); err != nil || got != 4 {
		t.Fatalf("expected sequence 4 after reopen, got %d (%v)", got, err)
	}
	if got, err := second.NextSequence(ctx, "0xalice", "t2"); err != nil || got != 1 {
		t.Fatalf("expected a fresh thread to start at 1, got %d (%v)", got, err)
	}
	if got, err := second.NextSequence(ctx, "0xcarol", "t1"); err != nil || got != 1 {
		t.Fatalf("expected another sender to start at 1, got %d (%v)", got, err)
	}
	if _, err := second.NextSequence(ctx, "", "t1"); err == nil {
		t.Fatalf("expected empty sender to be rejected")
	}
}
