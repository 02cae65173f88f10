package storage

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const contentIDPrefix = "b3-"

// ContentID returns the content address of data.
func ContentID(data []byte) string {
	sum := blake3.Sum256(data)
	return contentIDPrefix + hex.EncodeToString(sum[:])
}

func validateContentID(contentID string) error {
	raw, ok := strings.CutPrefix(contentID, contentIDPrefix)
	if !ok {
		return fmt.Errorf("%w: malformed content id %q", ErrOfflineStore, contentID)
	}
	if decoded, err := hex.DecodeString(raw); err != nil || len(decoded) != 32 {
		return fmt.Errorf("%w: malformed content id %q", ErrOfflineStore, contentID)
	}
	return nil
}

func verifyContent(contentID string, data []byte) error {
	if ContentID(data) != contentID {
		return fmt.Errorf("%w: %w: %s", ErrOfflineStore, ErrIntegrity, contentID)
	}
	return nil
}

// ValidContentID reports whether contentID is well formed.
func ValidContentID(contentID string) bool {
	return validateContentID(contentID) == nil
}
