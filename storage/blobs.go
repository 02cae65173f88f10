package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Put stores data under its content id and returns the id. Storing the same
// bytes twice keeps the first copy.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: data is required", ErrOfflineStore)
	}

	contentID := ContentID(data)
	compressed := s.encoder.EncodeAll(data, nil)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_blobs (content_id, data, size, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_id) DO NOTHING`,
		contentID,
		compressed,
		len(data),
		nowUnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert blob %s: %w", ErrOfflineStore, contentID, err)
	}
	return contentID, nil
}

// Get returns the bytes stored under contentID, re-verifying their hash.
func (s *Store) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := validateContentID(contentID); err != nil {
		return nil, err
	}

	var compressed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM offline_blobs WHERE content_id = ?`,
		contentID,
	).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %w", ErrOfflineStore, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read blob %s: %w", ErrOfflineStore, contentID, err)
	}

	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress blob %s: %w", ErrOfflineStore, contentID, err)
	}
	if err := verifyContent(contentID, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes a blob once its recipient has pulled it.
func (s *Store) Delete(ctx context.Context, contentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_blobs WHERE content_id = ?`, contentID)
	if err != nil {
		return fmt.Errorf("%w: delete blob %s: %w", ErrOfflineStore, contentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %w", ErrOfflineStore, ErrNotFound)
	}
	return nil
}

// ExpireBlobs deletes blobs stored before cutoff (unix ms) and returns how
// many were removed.
func (s *Store) ExpireBlobs(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_blobs WHERE stored_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: expire blobs: %w", ErrOfflineStore, err)
	}
	return res.RowsAffected()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
