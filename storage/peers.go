package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"walletchat/crypto"
)

// PeerKey is a wallet key learned from a signaling announce.
type PeerKey struct {
	Address          string
	Ed25519PublicKey string
	KeyFingerprint   string
	AddedAt          int64
	LastSeenAt       int64
}

// SavePeerKey records the key announced for address, or refreshes its last
// seen time when it is already known. The key must hash to the address.
func (s *Store) SavePeerKey(ctx context.Context, address, publicKeyB64 string, seenAt int64) error {
	if address == "" {
		return errors.New("storage: peer address is required")
	}
	publicKey, err := crypto.DecodePublicKey(publicKeyB64)
	if err != nil {
		return fmt.Errorf("storage: peer key for %s: %w", address, err)
	}
	if derived := crypto.AddressFromPublicKey(publicKey); derived != address {
		return fmt.Errorf("storage: peer key belongs to %s, not %s", derived, address)
	}
	if seenAt <= 0 {
		seenAt = nowUnixMilli()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO peer_keys (address, ed25519_public_key, key_fingerprint, added_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET last_seen_at = MAX(last_seen_at, excluded.last_seen_at)`,
		address,
		publicKeyB64,
		crypto.KeyFingerprint(publicKey),
		seenAt,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save peer key %s: %w", address, err)
	}
	return nil
}

// GetPeerKey fetches the key recorded for address.
func (s *Store) GetPeerKey(ctx context.Context, address string) (*PeerKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, ed25519_public_key, key_fingerprint, added_at, last_seen_at
		FROM peer_keys WHERE address = ?`,
		address,
	)
	var key PeerKey
	err := row.Scan(&key.Address, &key.Ed25519PublicKey, &key.KeyFingerprint, &key.AddedAt, &key.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get peer key %s: %w", address, err)
	}
	return &key, nil
}

// ListPeerKeys returns every recorded key, most recently seen first.
func (s *Store) ListPeerKeys(ctx context.Context) ([]PeerKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, ed25519_public_key, key_fingerprint, added_at, last_seen_at
		FROM peer_keys ORDER BY last_seen_at DESC, address`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list peer keys: %w", err)
	}
	defer rows.Close()

	keys := make([]PeerKey, 0)
	for rows.Next() {
		var key PeerKey
		if err := rows.Scan(&key.Address, &key.Ed25519PublicKey, &key.KeyFingerprint, &key.AddedAt, &key.LastSeenAt); err != nil {
			return nil, fmt.Errorf("storage: scan peer key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate peer keys: %w", err)
	}
	return keys, nil
}

// RemovePeerKey forgets address.
func (s *Store) RemovePeerKey(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peer_keys WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("storage: remove peer key %s: %w", address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: remove peer key %s: %w", address, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
