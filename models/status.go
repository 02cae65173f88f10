package models

// DeliveryStatus is the sender-side lifecycle state of an outbound message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusQueued    DeliveryStatus = "queued"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusCancelled DeliveryStatus = "cancelled"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no retry is ever scheduled from s.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle
// monotonic. Failed and cancelled messages may still be upgraded to
// delivered or read when a late ack proves the recipient got the message.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	switch s {
	case StatusFailed, StatusCancelled:
		return next == StatusDelivered || next == StatusRead
	}
	if next.rank() < 0 {
		return next == StatusFailed || next == StatusCancelled
	}
	return next.rank() > s.rank()
}

// AckType names the stage an Ack confirms.
type AckType string

const (
	AckQueued    AckType = "queued"
	AckDelivered AckType = "delivered"
	AckRead      AckType = "read"
)

// Valid reports whether t is a known ack type.
func (t AckType) Valid() bool {
	return t == AckQueued || t == AckDelivered || t == AckRead
}

// Status returns the delivery status an ack of this type confirms.
func (t AckType) Status() DeliveryStatus {
	switch t {
	case AckQueued:
		return StatusQueued
	case AckDelivered:
		return StatusDelivered
	case AckRead:
		return StatusRead
	default:
		return ""
	}
}

// Ack is a signed receipt emitted by a relay or the recipient.
type Ack struct {
	Type      AckType `json:"type"`
	MessageID string  `json:"messageId"`
	NodeID    string  `json:"nodeId"`
	NodeKey   string  `json:"nodeKey,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Signature string  `json:"signature,omitempty"`
}
