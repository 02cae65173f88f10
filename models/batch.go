package models

// Batch is the anchoring record produced for a group of dispatched messages.
// MerkleRoot commits to the content hashes of exactly MessageIDs, in order.
type Batch struct {
	BatchID      string   `json:"batchId"`
	MerkleRoot   string   `json:"merkleRoot"`
	MessageCount int      `json:"messageCount"`
	Timestamp    int64    `json:"timestamp"`
	Sender       string   `json:"sender"`
	MessageIDs   []string `json:"messageIds"`
	LeafHashes   []string `json:"leafHashes,omitempty"`
}
