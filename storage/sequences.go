package storage

import (
	"context"
	"errors"
	"fmt"
)

// NextSequence atomically advances and returns the last sequence number
// sender used on threadID. The first call for a thread returns 1.
func (s *Store) NextSequence(ctx context.Context, sender, threadID string) (uint64, error) {
	if sender == "" || threadID == "" {
		return 0, errors.New("storage: sender and thread id are required")
	}

	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO thread_sequences (sender, thread_id, last_sequence) VALUES (?, ?, 1)
		ON CONFLICT(sender, thread_id) DO UPDATE SET last_sequence = last_sequence + 1
		RETURNING last_sequence`,
		sender, threadID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("storage: next sequence for %s: %w", threadID, err)
	}
	return uint64(seq), nil
}
