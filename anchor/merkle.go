// Package anchor groups dispatched messages into batches committed by a
// Merkle root, ready for an external anchoring service.
package anchor

import (
	"bytes"
	"encoding/hex"

	"github.com/minio/sha256-simd"

	"walletchat/models"
)

const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

// LeafHash hashes a content hash into a tree leaf.
func LeafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// MerkleRoot computes the root over leaves in order. An odd node at any
// level is paired with itself. An empty input has a nil root.
func MerkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return nil
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = LeafHash(leaf)
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(level[i], right))
		}
		level = next
	}
	return level[0]
}

// Verify recomputes the root of batch from hashes and compares it.
func Verify(batch models.Batch, hashes [][]byte) bool {
	if batch.MessageCount != len(hashes) {
		return false
	}
	want, err := hex.DecodeString(batch.MerkleRoot)
	if err != nil {
		return false
	}
	return bytes.Equal(want, MerkleRoot(hashes))
}
