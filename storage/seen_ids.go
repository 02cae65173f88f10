package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var errEmptyMessageID = errors.New("storage: message id is required")

// InsertSeenID records a received message id for replay protection. The
// first sighting wins, so replays cannot keep an id from being pruned.
func (s *Store) InsertSeenID(ctx context.Context, messageID string, receivedAt int64) error {
	if messageID == "" {
		return errEmptyMessageID
	}
	if receivedAt <= 0 {
		receivedAt = nowUnixMilli()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_message_ids (message_id, received_at) VALUES (?, ?)`,
		messageID, receivedAt,
	); err != nil {
		return fmt.Errorf("storage: record seen id %s: %w", messageID, err)
	}
	return nil
}

// HasSeenID reports whether messageID was recorded and not yet pruned.
func (s *Store) HasSeenID(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, errEmptyMessageID
	}

	var receivedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT received_at FROM seen_message_ids WHERE message_id = ?`, messageID,
	).Scan(&receivedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("storage: look up seen id %s: %w", messageID, err)
	}
	return true, nil
}

// PruneSeenIDs removes ids first seen before cutoff (unix ms) and returns how
// many were dropped.
func (s *Store) PruneSeenIDs(ctx context.Context, cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, fmt.Errorf("storage: prune cutoff must be positive, got %d", cutoff)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_message_ids WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: prune seen ids: %w", err)
	}
	return res.RowsAffected()
}
