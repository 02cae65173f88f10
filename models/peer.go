package models

import "time"

// PeerInfo is what a room member announces about itself through signaling.
type PeerInfo struct {
	PeerID        string   `json:"peerId"`
	WalletAddress string   `json:"walletAddress,omitempty"`
	Multiaddrs    []string `json:"multiaddrs,omitempty"`
	PublicKey     string   `json:"publicKey,omitempty"`
	LastSeen      int64    `json:"lastSeen"`
}

// ConnectionStatus is the lifecycle of a transport handle.
type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionFailed       ConnectionStatus = "failed"
)

// ConnectionType names how a node is reached.
type ConnectionType string

const (
	ConnectionRelay  ConnectionType = "relay"
	ConnectionDirect ConnectionType = "direct"
	ConnectionTURN   ConnectionType = "turn"
)

// ConnectionState is tracked per node by the connection registry and is
// driven only by transport events.
type ConnectionState struct {
	NodeID         string           `json:"nodeId"`
	Status         ConnectionStatus `json:"status"`
	ConnectionType ConnectionType   `json:"connectionType"`
	LastPing       time.Time        `json:"lastPing"`
}
