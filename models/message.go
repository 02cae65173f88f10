package models

import "time"

// ContentType classifies the plaintext carried by a Message.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentFile   ContentType = "file"
	ContentSystem ContentType = "system"
)

// Known reports whether t is one of the supported content types.
func (t ContentType) Known() bool {
	switch t {
	case ContentText, ContentImage, ContentFile, ContentSystem:
		return true
	default:
		return false
	}
}

// Message is an end-to-end encrypted, signed chat message. It is immutable
// once signed; DeliveryStatus and Acks are local bookkeeping outside the
// signature.
type Message struct {
	ID             string         `json:"id"`
	ThreadID       string         `json:"threadId"`
	Sequence       uint64         `json:"sequence"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	Content        string         `json:"content"`
	ContentType    ContentType    `json:"contentType"`
	EncryptionKey  string         `json:"encryptionKey"`
	Nonce          string         `json:"nonce"`
	Timestamp      int64          `json:"timestamp"`
	TTL            int64          `json:"ttl"`
	SenderKey      string         `json:"senderKey"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus,omitempty"`
	Acks           []Ack          `json:"acks,omitempty"`
	Signature      string         `json:"signature,omitempty"`
}

// ExpiredAt reports whether the message's time-to-live has elapsed at now.
func (m Message) ExpiredAt(now time.Time) bool {
	return now.UnixMilli()-m.Timestamp > m.TTL*1000
}

// Signable returns a copy with the fields outside the signature cleared.
func (m Message) Signable() Message {
	m.DeliveryStatus = ""
	m.Acks = nil
	m.Signature = ""
	return m
}

// HasAck reports whether an ack with the same type and node is already recorded.
func (m Message) HasAck(ack Ack) bool {
	for _, existing := range m.Acks {
		if existing.Type == ack.Type && existing.NodeID == ack.NodeID {
			return true
		}
	}
	return false
}
