package delivery

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"walletchat/models"
)

const recordVersion = 1

// record is the offline store encoding of a failed message. Only the signed
// fields are kept; status and acks are sender bookkeeping.
type record struct {
	Version       int    `cbor:"1,keyasint"`
	ID            string `cbor:"2,keyasint"`
	ThreadID      string `cbor:"3,keyasint"`
	Sequence      uint64 `cbor:"4,keyasint"`
	Sender        string `cbor:"5,keyasint"`
	Recipient     string `cbor:"6,keyasint"`
	Content       string `cbor:"7,keyasint"`
	ContentType   string `cbor:"8,keyasint"`
	EncryptionKey string `cbor:"9,keyasint"`
	Nonce         string `cbor:"10,keyasint"`
	Timestamp     int64  `cbor:"11,keyasint"`
	TTL           int64  `cbor:"12,keyasint"`
	SenderKey     string `cbor:"13,keyasint"`
	Signature     string `cbor:"14,keyasint"`
}

var recordMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// encodeRecord returns the deterministic CBOR form of msg, so the same
// message always maps to the same content id.
func encodeRecord(msg models.Message) ([]byte, error) {
	data, err := recordMode.Marshal(record{
		Version:       recordVersion,
		ID:            msg.ID,
		ThreadID:      msg.ThreadID,
		Sequence:      msg.Sequence,
		Sender:        msg.Sender,
		Recipient:     msg.Recipient,
		Content:       msg.Content,
		ContentType:   string(msg.ContentType),
		EncryptionKey: msg.EncryptionKey,
		Nonce:         msg.Nonce,
		Timestamp:     msg.Timestamp,
		TTL:           msg.TTL,
		SenderKey:     msg.SenderKey,
		Signature:     msg.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: encode offline record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (models.Message, error) {
	var r record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return models.Message{}, fmt.Errorf("delivery: decode offline record: %w", err)
	}
	if r.Version != recordVersion {
		return models.Message{}, errors.New("delivery: unsupported offline record version")
	}
	return models.Message{
		ID:            r.ID,
		ThreadID:      r.ThreadID,
		Sequence:      r.Sequence,
		Sender:        r.Sender,
		Recipient:     r.Recipient,
		Content:       r.Content,
		ContentType:   models.ContentType(r.ContentType),
		EncryptionKey: r.EncryptionKey,
		Nonce:         r.Nonce,
		Timestamp:     r.Timestamp,
		TTL:           r.TTL,
		SenderKey:     r.SenderKey,
		Signature:     r.Signature,
	}, nil
}
