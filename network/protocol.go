package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"walletchat/models"
)

const (
	// MaxFrameSize is the maximum accepted websocket message size.
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds websocket dial and handshake.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval pings idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout is how long to wait for traffic after a ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds each websocket write.
	DefaultWriteTimeout = 10 * time.Second
)

// Websocket close codes used by the hub.
const (
	CloseMissingParams = 4001
	CloseReplaced      = 4002
)

// Signaling envelope types.
const (
	TypeAnnounce       = "announce"
	TypePeerDiscovered = "peer-discovered"
	TypePeersUpdated   = "peers-updated"
	TypePeerLeft       = "peer-left"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice-candidate"
	TypeError          = "error"

	// Older hubs send these names for peer-discovered and peers-updated.
	TypePeerJoined = "peer-joined"
	TypePeerList   = "peer-list"
)

// Relay and peer-link envelope types.
const (
	TypeWelcome = "welcome"
	TypeMessage = "message"
	TypeAck     = "ack"
	TypeStored  = "stored"
	TypeGossip  = "gossip"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Error codes carried by ErrorMessage.
const (
	ErrorCodeUnknownPeer = "unknown-peer"
	ErrorCodeMalformed   = "malformed"
)

var (
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrPongTimeout indicates keep-alive timed out waiting for traffic.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Announce publishes a peer's reachability and keys to its room.
type Announce struct {
	Type          string   `json:"type"`
	PeerID        string   `json:"peerId,omitempty"`
	WalletAddress string   `json:"walletAddress"`
	Multiaddrs    []string `json:"multiaddrs,omitempty"`
	PublicKey     string   `json:"publicKey,omitempty"`
}

// PeerDiscovered tells existing members about a newcomer.
type PeerDiscovered struct {
	Type string          `json:"type"`
	Peer models.PeerInfo `json:"peer"`
}

// PeersUpdated carries a room member list.
type PeersUpdated struct {
	Type  string            `json:"type"`
	Peers []models.PeerInfo `json:"peers"`
}

// PeerLeft announces a departed member.
type PeerLeft struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// Signal is an offer, answer or ICE candidate forwarded opaquely between peers.
type Signal struct {
	Type         string          `json:"type"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	FromPeerID   string          `json:"fromPeerId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// ErrorMessage reports a protocol error to the sender.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Welcome is the first frame a relay sends on a new connection.
type Welcome struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"`
}

// RelayMessage carries a chat message through the relay. The relay fills
// FromPeer and RelayedAt when forwarding.
type RelayMessage struct {
	Type string `json:"type"`
	models.Message
	FromPeer  string `json:"fromPeer,omitempty"`
	RelayedAt int64  `json:"relayedAt,omitempty"`
}

// AckMessage routes an ack to the original sender of MessageID.
type AckMessage struct {
	Type      string     `json:"type"`
	To        string     `json:"to"`
	MessageID string     `json:"messageId"`
	Ack       models.Ack `json:"ack"`
}

// StoredMessage points a recipient at an offline store entry.
type StoredMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ContentID string `json:"contentId"`
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
}

// GossipMessage floods a message across direct peer links.
type GossipMessage struct {
	Type    string         `json:"type"`
	Hops    int            `json:"hops"`
	Message models.Message `json:"message"`
}

// PingMessage is an application-level keep-alive.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewRelayMessage wraps msg for the relay.
func NewRelayMessage(msg models.Message) RelayMessage {
	msg.DeliveryStatus = ""
	msg.Acks = nil
	return RelayMessage{Type: TypeMessage, Message: msg}
}

// NewAckMessage wraps ack for delivery to the sender of the acked message.
func NewAckMessage(to string, ack models.Ack) AckMessage {
	return AckMessage{Type: TypeAck, To: to, MessageID: ack.MessageID, Ack: ack}
}

// EncodeJSON marshals a protocol message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("marshal protocol message: %d bytes exceeds max frame size", len(payload))
	}
	return payload, nil
}

// DecodeMessageType extracts the message "type" field from a JSON payload.
func DecodeMessageType(payload []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decode message type: %w", err)
	}
	if env.Type == "" {
		return "", ErrInvalidMessageType
	}
	return env.Type, nil
}

// Decode unmarshals payload into a typed envelope.
func Decode[T any](payload []byte) (T, error) {
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode protocol message: %w", err)
	}
	return out, nil
}
