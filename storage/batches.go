package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"walletchat/models"
)

// Anchor persists a flushed batch so an external anchoring service can pick
// it up. It satisfies anchor.Sink.
func (s *Store) Anchor(ctx context.Context, batch models.Batch) error {
	if batch.BatchID == "" {
		return errors.New("batch_id is required")
	}
	record, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", batch.BatchID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anchor_batches (batch_id, merkle_root, message_count, sender, timestamp, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO NOTHING`,
		batch.BatchID,
		batch.MerkleRoot,
		batch.MessageCount,
		batch.Sender,
		batch.Timestamp,
		string(record),
	)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", batch.BatchID, err)
	}
	return nil
}

// PendingBatches returns batches not yet marked anchored, oldest first.
func (s *Store) PendingBatches(ctx context.Context, limit int) ([]models.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM anchor_batches WHERE anchored = 0 ORDER BY timestamp ASC, batch_id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending batches: %w", err)
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		var batch models.Batch
		if err := json.Unmarshal([]byte(record), &batch); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// MarkAnchored flags a batch as handed off.
func (s *Store) MarkAnchored(ctx context.Context, batchID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE anchor_batches SET anchored = 1 WHERE batch_id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("mark batch %s anchored: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
