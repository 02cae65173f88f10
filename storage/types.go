package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrOfflineStore wraps every offline store failure so callers can tell
	// storage trouble apart from delivery trouble.
	ErrOfflineStore = errors.New("storage: offline store failure")
	// ErrIntegrity means stored bytes no longer hash to their content id.
	ErrIntegrity = errors.New("storage: content integrity check failed")
)

// OfflineStore is a content-addressed blob store used as the delivery
// fallback of last resort.
type OfflineStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, contentID string) ([]byte, error)
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
